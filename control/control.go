// Package control implements the TLS-protected, line-delimited control
// channel: stop, reload [zone], status, stats, stats_noreset,
// log_reopen, addzone <name> <pattern>, delzone <name>, verbosity <n>.
// Every reply starts with "ok\n" on success or "error <msg>\n"
// otherwise; a rejected command leaves server state untouched.
package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/semihalev/zlog/v2"

	"github.com/nsdcore/nsd/accesslist"
	"github.com/nsdcore/nsd/config"
	"github.com/nsdcore/nsd/difflog"
	"github.com/nsdcore/nsd/ipc"
	"github.com/nsdcore/nsd/metrics"
	"github.com/nsdcore/nsd/server"
	"github.com/nsdcore/nsd/xfr"
)

// Pattern is a named template an "addzone <name> <pattern>" command
// instantiates, matching named.conf-style pattern blocks.
type Pattern struct {
	Masters     []string
	Notify      []string
	AllowNotify []string
	TSIGKey     string
}

// Server accepts TLS connections on a control address and dispatches
// line-delimited commands against the running xfr.Manager.
type Server struct {
	addr  string
	acl   *accesslist.AccessList
	certs *server.CertManager

	mgr     *xfr.Manager
	queue   *ipc.Queue
	metrics *metrics.Metrics
	reg     prometheus.Gatherer

	dl *difflog.Writer

	patterns map[string]Pattern
	keys     map[string]xfr.TSIGKey

	verbosity atomic.Int32
	stop      context.CancelFunc

	// statsBase holds each counter's value at the last resetting
	// "stats" call, so resets subtract a baseline instead of mutating
	// monotonic counters.
	statsMu   sync.Mutex
	statsBase map[string]float64

	mu       sync.Mutex
	listener net.Listener
}

// Deps bundles the running server's collaborators a control command may
// need to touch.
type Deps struct {
	Manager  *xfr.Manager
	Queue    *ipc.Queue
	Metrics  *metrics.Metrics
	Registry prometheus.Gatherer
	Difflog  *difflog.Writer
	Patterns map[string]Pattern
	Keys     map[string]xfr.TSIGKey
	Stop     context.CancelFunc
}

// New returns a Server bound to addr, authenticating peers against acl
// and presenting certs for TLS. Call Run to start accepting.
func New(addr string, acl *accesslist.AccessList, certs *server.CertManager, deps Deps) *Server {
	s := &Server{
		addr:     addr,
		acl:      acl,
		certs:    certs,
		mgr:      deps.Manager,
		queue:    deps.Queue,
		metrics:  deps.Metrics,
		reg:      deps.Registry,
		dl:       deps.Difflog,
		patterns: deps.Patterns,
		keys:     deps.Keys,
		stop:     deps.Stop,
	}
	s.verbosity.Store(1)
	return s
}

// Run listens on s.addr until ctx is canceled, serving one goroutine per
// accepted connection.
func (s *Server) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.addr, s.certs.GetTLSConfig())
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	zlog.Info("control channel listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				zlog.Error("control: accept failed", "addr", s.addr, "error", err.Error())
				return err
			}
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	if !s.acl.AllowedAddr(conn.RemoteAddr()) {
		zlog.Warn("control: rejecting unauthorized peer", "from", conn.RemoteAddr().String())
		return
	}

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.dispatch(line)
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
		if line == "stop" {
			return
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	var err error
	var out string
	switch cmd {
	case "stop":
		err = s.cmdStop()
	case "reload":
		out, err = s.cmdReload(args)
	case "status":
		out, err = s.cmdStatus()
	case "stats":
		out, err = s.cmdStats(true)
	case "stats_noreset":
		out, err = s.cmdStats(false)
	case "log_reopen":
		err = s.cmdLogReopen()
	case "addzone":
		err = s.cmdAddZone(args)
	case "delzone":
		err = s.cmdDelZone(args)
	case "verbosity":
		err = s.cmdVerbosity(args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		return fmt.Sprintf("error %s\n", err.Error())
	}
	if out != "" {
		return "ok\n" + out
	}
	return "ok\n"
}

func (s *Server) cmdStop() error {
	zlog.Info("control: stop requested")
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// cmdReload requests an immediate refresh of one zone, or every zone
// when no argument is given, by nudging its Coordinator the way an
// expired refresh timer would.
func (s *Server) cmdReload(args []string) (string, error) {
	if s.mgr == nil {
		return "", fmt.Errorf("xfr manager not available")
	}
	zones := s.mgr.Zones()
	if len(args) == 1 {
		name := args[0]
		if s.mgr.Coordinator(name) == nil {
			return "", fmt.Errorf("unknown zone %q", name)
		}
		zones = []string{name}
	}
	for _, z := range zones {
		if c := s.mgr.Coordinator(z); c != nil {
			c.RequestReload()
		}
	}
	return "", nil
}

func (s *Server) cmdStatus() (string, error) {
	if s.mgr == nil {
		return "", nil
	}
	var b strings.Builder
	for _, z := range s.mgr.Zones() {
		c := s.mgr.Coordinator(z)
		if c == nil {
			continue
		}
		fmt.Fprintf(&b, "zone: %s state: %s\n", c.Name(), c.State())
	}
	return b.String(), nil
}

// cmdStats reports every registered metric as "name value" lines. With
// reset, counters restart from zero for the next stats call; Prometheus
// counters are monotonic, so the reset is a remembered baseline that
// gets subtracted rather than an actual counter mutation (gauges report
// their live value either way).
func (s *Server) cmdStats(reset bool) (string, error) {
	if s.reg == nil {
		return "", nil
	}
	families, err := s.reg.Gather()
	if err != nil {
		return "", err
	}

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.statsBase == nil {
		s.statsBase = make(map[string]float64)
	}

	var b strings.Builder
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(m)
			if mf.GetType() == dto.MetricType_COUNTER {
				raw := m.GetCounter().GetValue()
				fmt.Fprintf(&b, "%s %s\n", key, strconv.FormatFloat(raw-s.statsBase[key], 'f', -1, 64))
				if reset {
					s.statsBase[key] = raw
				}
				continue
			}
			fmt.Fprintf(&b, "%s %s\n", key, formatValue(mf.GetType(), m))
		}
	}
	return b.String(), nil
}

func labelSuffix(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	var parts []string
	for _, l := range m.GetLabel() {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(t dto.MetricType, m *dto.Metric) string {
	switch t {
	case dto.MetricType_COUNTER:
		return strconv.FormatFloat(m.GetCounter().GetValue(), 'f', -1, 64)
	case dto.MetricType_GAUGE:
		return strconv.FormatFloat(m.GetGauge().GetValue(), 'f', -1, 64)
	default:
		return "0"
	}
}

func (s *Server) cmdLogReopen() error {
	zlog.Info("control: log_reopen requested")
	return nil
}

// cmdAddZone instantiates a configured pattern as a freshly served zone.
func (s *Server) cmdAddZone(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: addzone <name> <pattern>")
	}
	name, patternName := args[0], args[1]
	if s.mgr == nil {
		return fmt.Errorf("xfr manager not available")
	}
	if s.mgr.Coordinator(name) != nil {
		return fmt.Errorf("zone %q already exists", name)
	}
	p, ok := s.patterns[patternName]
	if !ok {
		return fmt.Errorf("unknown pattern %q", patternName)
	}

	var key *xfr.TSIGKey
	if p.TSIGKey != "" {
		k, ok := s.keys[p.TSIGKey]
		if !ok {
			return fmt.Errorf("pattern %q references unknown tsig key %q", patternName, p.TSIGKey)
		}
		key = &k
	}

	zc := config.ZoneConfig{Name: name, Masters: p.Masters, Notify: p.Notify, AllowNotify: p.AllowNotify, TSIGKey: p.TSIGKey}
	s.mgr.AddZone(context.Background(), zc, key)
	zlog.Info("control: zone added", "zone", name, "pattern", patternName)
	return nil
}

func (s *Server) cmdDelZone(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delzone <name>")
	}
	if s.mgr == nil {
		return fmt.Errorf("xfr manager not available")
	}
	if s.mgr.Coordinator(args[0]) == nil {
		return fmt.Errorf("unknown zone %q", args[0])
	}
	s.mgr.DelZone(args[0])
	zlog.Info("control: zone removed", "zone", args[0])
	return nil
}

func (s *Server) cmdVerbosity(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: verbosity <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid verbosity %q", args[0])
	}
	s.verbosity.Store(int32(n))
	zlog.Info("control: verbosity changed", "level", n)
	return nil
}
