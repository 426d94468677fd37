package xfr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/nsdcore/nsd/accesslist"
	"github.com/nsdcore/nsd/difflog"
	"github.com/nsdcore/nsd/ipc"
	"github.com/nsdcore/nsd/metrics"
)

// notifyEvent is one incoming NOTIFY, handed to a zone's Coordinator
// event loop over its notifyIn channel once HandleNotify has already
// authenticated the sender.
type notifyEvent struct {
	from   string
	serial uint32
}

// Coordinator drives one zone's XFR state machine end to end: SOA
// polling on a timer, IXFR-over-UDP probing with TCP/AXFR fallback,
// difflog persistence, a reload handoff over ipc, outgoing NOTIFY, and
// incoming NOTIFY authenticated against the zone's AllowNotify list.
// One Coordinator exists per served zone; Manager (manager.go) owns the
// set of them.
type Coordinator struct {
	zone *Zone

	pool     *TCPPool
	prober   *Prober
	notifier *Notifier

	notifyACL   []string
	allowNotify *accesslist.AccessList
	key         *TSIGKey

	dl      *difflog.Writer
	queue   *ipc.Queue
	metrics *metrics.Metrics

	lastSOA *dns.SOA

	// reportedExpired is the last expiry state pushed to the serving
	// side, so the queue only sees transitions, not every probe.
	reportedExpired bool

	notifyIn chan notifyEvent
	reloadIn chan struct{}
}

// NewCoordinator returns a Coordinator in StateExpired with no SOA
// loaded. Call OnZoneLoaded before Run if the zone already has a served
// snapshot (e.g. restored from the on-disk database), otherwise Run
// attempts an initial transfer immediately.
func NewCoordinator(
	name string,
	masters, notifyACL []string,
	allowNotify *accesslist.AccessList,
	key *TSIGKey,
	pool *TCPPool,
	prober *Prober,
	notifier *Notifier,
	dl *difflog.Writer,
	queue *ipc.Queue,
	m *metrics.Metrics,
	seed int64,
) *Coordinator {
	return &Coordinator{
		zone:        NewZone(name, masters, seed),
		pool:        pool,
		prober:      prober,
		notifier:    notifier,
		notifyACL:   notifyACL,
		allowNotify: allowNotify,
		key:         key,
		dl:          dl,
		queue:       queue,
		metrics:     m,
		notifyIn:    make(chan notifyEvent, 8),
		reloadIn:    make(chan struct{}, 1),
	}
}

// Name returns the coordinated zone's name.
func (c *Coordinator) Name() string { return c.zone.Name }

// State reports the zone's current XFR state, for the control channel's
// status/stats commands.
func (c *Coordinator) State() State { return c.zone.State }

// OnZoneLoaded primes the coordinator with the zone's current SOA, from
// an initial zone load or a disk-format snapshot restore, and reports
// the resulting refresh deadline so the caller can seed Run's timer
// before starting it.
func (c *Coordinator) OnZoneLoaded(soa *dns.SOA) time.Time {
	c.lastSOA = soa
	state, deadline := c.zone.OnLoad(time.Now(), soa.Serial, soa.Refresh, soa.Retry, soa.Expire)
	c.reportState(state)
	return deadline
}

// HandleNotify authenticates an incoming NOTIFY against the zone's
// AllowNotify list and, if accepted, queues it for the Coordinator's
// event loop to act on; the loop jumps its master cursor to the
// notifying address and probes immediately. It returns the RCODE the
// caller's DNS responder should reply with.
func (c *Coordinator) HandleNotify(from string, msg *dns.Msg) int {
	if !c.allowNotify.Allowed(hostOf(from)) {
		zlog.Warn("xfr: rejecting NOTIFY from unauthorized peer", "zone", c.zone.Name, "from", from)
		return dns.RcodeRefused
	}

	var serial uint32
	for _, rr := range msg.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			serial = soa.Serial
			break
		}
	}

	select {
	case c.notifyIn <- notifyEvent{from: from, serial: serial}:
	default:
		zlog.Warn("xfr: notify queue full, dropping", "zone", c.zone.Name, "from", from)
	}
	return dns.RcodeSuccess
}

// RequestReload nudges the Coordinator's event loop to attempt a
// transfer immediately, the same way an elapsed refresh timer would,
// for the control channel's reload command. A pending
// request already queued is left as-is rather than stacking a second one.
func (c *Coordinator) RequestReload() {
	select {
	case c.reloadIn <- struct{}{}:
	default:
	}
}

// Run drives the zone's refresh timer and incoming-NOTIFY channel until
// ctx is canceled. If OnZoneLoaded was never called, Run attempts a
// transfer immediately, matching a freshly added zone's behavior.
func (c *Coordinator) Run(ctx context.Context) {
	deadline := time.Now()
	if c.lastSOA != nil {
		deadline = c.zone.nextRefreshDeadline(time.Now())
	}

	timer := time.NewTimer(durationUntil(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.notifyIn:
			resetTimer(timer, c.handleNotify(ctx, ev))
		case <-c.reloadIn:
			resetTimer(timer, c.attemptTransfer(ctx))
		case <-timer.C:
			resetTimer(timer, c.handleRefreshTimer(ctx))
		}
	}
}

func (c *Coordinator) handleRefreshTimer(ctx context.Context) time.Time {
	c.zone.OnRefreshTimer(time.Now())
	return c.attemptTransfer(ctx)
}

func (c *Coordinator) handleNotify(ctx context.Context, ev notifyEvent) time.Time {
	state, _, intent := c.zone.OnNotifyReceived(time.Now(), ev.from, ev.serial)
	c.reportState(state)
	if intent != IOProbe {
		// Stale or duplicate NOTIFY: OnNotifyReceived left the refresh
		// schedule untouched, so recompute it from the zone's existing
		// fields rather than reuse its placeholder zero Time.
		return c.zone.nextRefreshDeadline(time.Now())
	}
	return c.attemptTransfer(ctx)
}

// attemptTransfer runs one probe/transfer attempt against the zone's
// current master and drives the resulting state transition, returning
// the next timer deadline.
func (c *Coordinator) attemptTransfer(ctx context.Context) time.Time {
	master := c.zone.Masters.Current()
	if master == "" {
		state, deadline, _ := c.zone.OnProbeFailed(time.Now())
		c.reportState(state)
		return deadline
	}

	outcome, err := c.probeOne(ctx, master)
	if err != nil {
		zlog.Warn("xfr: probe failed", "zone", c.zone.Name, "master", master, "error", err.Error())
		reason := classifyError(err)
		c.metrics.XFRFailuresTotal.WithLabelValues(c.zone.Name, reason).Inc()
		if reason == "tsig" {
			c.metrics.TSIGFailures.WithLabelValues(c.zone.Name, "stream").Inc()
		}
		c.zone.Masters.Advance()
		state, deadline, _ := c.zone.OnProbeFailed(time.Now())
		c.reportState(state)
		return deadline
	}

	if outcome.UpToDate {
		state, deadline, _ := c.zone.OnProbeUpToDate(time.Now())
		c.reportState(state)
		return deadline
	}

	if err := c.commitTransfer(outcome); err != nil {
		zlog.Error("xfr: failed to persist transfer", "zone", c.zone.Name, "error", err.Error())
		c.metrics.XFRFailuresTotal.WithLabelValues(c.zone.Name, "persist").Inc()
		state, deadline, _ := c.zone.OnProbeFailed(time.Now())
		c.reportState(state)
		return deadline
	}

	c.lastSOA = outcome.NewSOA
	state, deadline, intent := c.zone.OnProbeApplied(time.Now(), outcome.NewSerial, outcome.NewSOA.Refresh, outcome.NewSOA.Retry, outcome.NewSOA.Expire)
	c.reportState(state)
	c.metrics.XFRSerial.WithLabelValues(c.zone.Name).Set(float64(outcome.NewSerial))
	if intent == IOSendNotify {
		c.sendNotifyAll(ctx, outcome.NewSOA)
	}
	return deadline
}

// probeOne tries IXFR over UDP first, escalating to TCP and finally AXFR
// when a shorter path fails. With no valid on-disk SOA to delta from,
// it goes straight to AXFR over TCP.
func (c *Coordinator) probeOne(ctx context.Context, master string) (*Outcome, error) {
	if c.lastSOA != nil {
		c.metrics.XFRAttemptsTotal.WithLabelValues(c.zone.Name, "ixfr").Inc()
		outcome, needTCP, err := c.prober.ProbeUDP(c.zone.Name, master, c.lastSOA, c.key)
		if err != nil {
			return nil, err
		}
		if !needTCP {
			return outcome, nil
		}
	}

	if err := c.pool.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("xfr: tcp pool: %w", err)
	}
	defer func() {
		c.pool.Release()
		c.metrics.TCPPoolInUse.Set(float64(c.pool.InUse()))
	}()
	c.metrics.TCPPoolInUse.Set(float64(c.pool.InUse()))
	c.metrics.TCPPoolWaiting.Set(float64(c.pool.Waiting()))

	if c.lastSOA != nil {
		outcome, err := c.prober.ProbeTCP(ctx, c.zone.Name, master, c.lastSOA, false, c.key)
		if err == nil {
			return outcome, nil
		}
		zlog.Info("xfr: ixfr over tcp failed, falling back to axfr", "zone", c.zone.Name, "master", master, "error", err.Error())
	}

	c.metrics.XFRAttemptsTotal.WithLabelValues(c.zone.Name, "axfr").Inc()
	return c.prober.ProbeTCP(ctx, c.zone.Name, master, c.lastSOA, true, c.key)
}

// commitTransfer durably records the transfer in the difflog (an
// in-progress part, then a commit marker) and asks the reload consumer
// to swap in a freshly built snapshot; the coordinator itself never
// mutates the served NDB.
func (c *Coordinator) commitTransfer(outcome *Outcome) error {
	kind := "ixfr"
	if outcome.IsAXFR {
		kind = "axfr"
	}
	xid := difflog.NewXID()
	note := fmt.Sprintf("%s added=%d removed=%d", kind, len(outcome.Added), len(outcome.Removed))

	if err := c.dl.AppendPart(difflog.Part{
		Zone:      c.zone.Name,
		OldSerial: c.zone.SOADiskSerial,
		NewSerial: outcome.NewSerial,
		XID:       xid,
		PartSeq:   0,
		Note:      note,
	}); err != nil {
		return err
	}
	if err := c.dl.Commit(c.zone.Name, c.zone.SOADiskSerial, outcome.NewSerial, xid, 1); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.queue.SendSync(ctx, ipc.Task{Kind: ipc.Reload, Zone: c.zone.Name, Serial: outcome.NewSerial})
}

func (c *Coordinator) sendNotifyAll(ctx context.Context, soa *dns.SOA) {
	if len(c.notifyACL) == 0 {
		return
	}
	errs := c.notifier.SendAll(ctx, c.notifyACL, c.zone.Name, soa)
	for i, err := range errs {
		result := "ok"
		if err != nil {
			result = "failed"
			zlog.Warn("xfr: notify failed", "zone", c.zone.Name, "addr", c.notifyACL[i], "error", err.Error())
		}
		c.metrics.NotifyOutTotal.WithLabelValues(c.zone.Name, result).Inc()
	}
}

func (c *Coordinator) reportState(state State) {
	var v float64
	switch state {
	case StateOK:
		v = metrics.ZoneStateOK
	case StateRefreshing:
		v = metrics.ZoneStateRefreshing
	case StateExpired:
		v = metrics.ZoneStateExpired
	}
	c.metrics.ZoneState.WithLabelValues(c.zone.Name).Set(v)

	// Tell the serving side when the zone crosses into or out of the
	// expired window, so it can stop (or resume) vouching for the data.
	nowExpired := state == StateExpired
	if nowExpired == c.reportedExpired {
		return
	}
	c.reportedExpired = nowExpired
	kind := ipc.ZoneFresh
	if nowExpired {
		kind = ipc.ZoneExpired
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.queue.Send(ctx, ipc.Task{Kind: kind, Zone: c.zone.Name}); err != nil {
		zlog.Warn("xfr: failed to report zone expiry state", "zone", c.zone.Name, "error", err.Error())
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrSerialRegression):
		return "serial_regression"
	case errors.Is(err, ErrTSIGRequired),
		errors.Is(err, dns.ErrSig),
		errors.Is(err, dns.ErrTime),
		errors.Is(err, dns.ErrSecret),
		errors.Is(err, dns.ErrKey):
		return "tsig"
	default:
		return "network"
	}
}

func hostOf(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}

func durationUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

func resetTimer(t *time.Timer, deadline time.Time) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(durationUntil(deadline))
}
