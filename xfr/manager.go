package xfr

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/nsdcore/nsd/accesslist"
	"github.com/nsdcore/nsd/config"
	"github.com/nsdcore/nsd/difflog"
	"github.com/nsdcore/nsd/ipc"
	"github.com/nsdcore/nsd/metrics"
)

// Manager owns every zone's Coordinator, built from the loaded
// configuration, and fans their Run loops out under one errgroup so a
// clean shutdown (ctx canceled) waits for all of them.
type Manager struct {
	mu           sync.RWMutex
	coordinators map[string]*Coordinator
	group        *errgroup.Group

	// Shared across every zone, including ones added at runtime: the
	// pool keeps the combined TCP transfer concurrency bounded no matter
	// how many zones an addzone command brings in later.
	pool     *TCPPool
	prober   *Prober
	notifier *Notifier
	dl       *difflog.Writer
	queue    *ipc.Queue
	metrics  *metrics.Metrics
}

// NewManager builds one Coordinator per cfg.Zones, resolving each zone's
// TSIG key by name from cfg.TSIGKeys, and returns a Manager ready for
// Start. dl and queue are shared across every zone; pool bounds their
// combined TCP transfer concurrency (XFRD_MAX_TCP).
func NewManager(cfg *config.Config, dl *difflog.Writer, queue *ipc.Queue, m *metrics.Metrics) (*Manager, error) {
	keysByName := make(map[string]TSIGKey, len(cfg.TSIGKeys))
	for _, k := range cfg.TSIGKeys {
		keysByName[k.Name] = TSIGKey{Name: dns.Fqdn(k.Name), Algorithm: TSIGAlgorithm(k.Algorithm), Secret: k.Secret}
	}

	mgr := &Manager{
		coordinators: make(map[string]*Coordinator, len(cfg.Zones)),
		pool:         NewTCPPool(cfg.TCPQueryCountMax),
		prober:       NewProber(cfg.XFRDReloadTimeout.Duration),
		notifier:     NewNotifier(&dns.Client{Net: "udp", Timeout: cfg.NotifyRetryTimeout.Duration}),
		dl:           dl,
		queue:        queue,
		metrics:      m,
	}

	for i, zc := range cfg.Zones {
		var key *TSIGKey
		if zc.TSIGKey != "" {
			k, ok := keysByName[zc.TSIGKey]
			if !ok {
				return nil, fmt.Errorf("xfr: zone %s references unknown tsig key %q", zc.Name, zc.TSIGKey)
			}
			key = &k
		}

		acl := accesslist.New(zc.AllowNotify)
		seed := time.Now().UnixNano() + int64(i)
		c := NewCoordinator(dns.Fqdn(zc.Name), zc.Masters, zc.Notify, acl, key, mgr.pool, mgr.prober, mgr.notifier, dl, queue, m, seed)
		mgr.coordinators[c.Name()] = c
	}

	return mgr, nil
}

// Coordinator returns the named zone's Coordinator, or nil if it isn't
// configured.
func (m *Manager) Coordinator(zone string) *Coordinator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coordinators[dns.Fqdn(zone)]
}

// Zones returns every configured zone name.
func (m *Manager) Zones() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.coordinators))
	for name := range m.coordinators {
		names = append(names, name)
	}
	return names
}

// Start launches every zone's Coordinator.Run under ctx, returning
// immediately; call Wait to block for them all to exit.
func (m *Manager) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	m.mu.RLock()
	for _, c := range m.coordinators {
		c := c
		g.Go(func() error {
			c.Run(gctx)
			return nil
		})
	}
	m.mu.RUnlock()
	m.group = g
}

// Wait blocks until every zone's Coordinator.Run has returned, i.e.
// until the ctx passed to Start is canceled.
func (m *Manager) Wait() error {
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

// HandleNotify routes an incoming NOTIFY for zone to its Coordinator, or
// reports NOTAUTH if the zone isn't served here.
func (m *Manager) HandleNotify(zone, from string, msg *dns.Msg) int {
	c := m.Coordinator(zone)
	if c == nil {
		return dns.RcodeNotAuth
	}
	return c.HandleNotify(from, msg)
}

// AddZone registers and starts a new zone's Coordinator at runtime, for
// the control channel's "addzone" command. The zone shares the
// Manager's TCP pool and difflog with every statically configured zone;
// it has no SOA loaded yet, so its Coordinator attempts an initial
// transfer immediately once started.
func (m *Manager) AddZone(ctx context.Context, zc config.ZoneConfig, key *TSIGKey) *Coordinator {
	acl := accesslist.New(zc.AllowNotify)
	seed := time.Now().UnixNano() + rand.Int63n(1<<20) //nolint:gosec // jitter seed only
	c := NewCoordinator(dns.Fqdn(zc.Name), zc.Masters, zc.Notify, acl, key, m.pool, m.prober, m.notifier, m.dl, m.queue, m.metrics, seed)

	m.mu.Lock()
	m.coordinators[c.Name()] = c
	m.mu.Unlock()

	go c.Run(ctx)
	return c
}

// DelZone removes a zone from service. Its Coordinator goroutine keeps
// running until ctx is canceled; callers that need it stopped
// immediately should track a per-zone cancel func instead (left to the
// control package, which owns zone lifetime policy).
func (m *Manager) DelZone(zone string) {
	m.mu.Lock()
	delete(m.coordinators, dns.Fqdn(zone))
	m.mu.Unlock()
}

// TSIGAlgorithm maps a config algorithm name ("hmac-sha1", "hmac-sha256",
// "hmac-sha512") to the miekg/dns constant TSIGKey.Algorithm expects,
// defaulting to HMAC-SHA256 when unset.
func TSIGAlgorithm(name string) string {
	switch name {
	case "hmac-sha1":
		return dns.HmacSHA1
	case "hmac-sha256", "":
		return dns.HmacSHA256
	case "hmac-sha512":
		return dns.HmacSHA512
	default:
		return name
	}
}
