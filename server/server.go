// Package server runs the authoritative DNS listeners: UDP and TCP
// sockets answering ordinary queries through the resolver pipeline, and
// NOTIFY opcodes routed to the xfr engine. Outgoing AXFR/IXFR (serving
// transfers to downstream secondaries) is out of scope, keeping this
// server a transfer-pulling secondary rather than a full
// authoritative+transfer-out daemon; queries of those types are refused
// by the resolver like any other unsupported opcode (see
// resolver.Resolver.validate).
package server

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nsdcore/nsd/metrics"
	"github.com/nsdcore/nsd/resolver"
	"github.com/nsdcore/nsd/xfr"
)

// DefaultShutdownTimeout bounds how long Run waits for in-flight queries
// to drain once its context is canceled, via a QueryTimeout-bounded
// ShutdownContext call.
const DefaultShutdownTimeout = 5 * time.Second

// Server answers DNS queries over UDP and TCP, delegating ordinary
// lookups to a Resolver and NOTIFY opcodes to the xfr Manager.
type Server struct {
	addr            string
	resolver        *resolver.Resolver
	xfrd            *xfr.Manager
	metrics         *metrics.Metrics
	shutdownTimeout time.Duration

	udpStarted bool
	tcpStarted bool
}

// New returns a Server listening on addr. xfrd may be nil, in which
// case NOTIFY is refused with NOTAUTH instead of being routed anywhere,
// which is useful for tests that only exercise the query path.
func New(addr string, r *resolver.Resolver, xfrd *xfr.Manager) *Server {
	return &Server{
		addr:            addr,
		resolver:        r,
		xfrd:            xfrd,
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// WithShutdownTimeout overrides DefaultShutdownTimeout; it returns s for
// chaining at construction time.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// SetMetrics attaches query counters; nil leaves them off (tests).
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// ServeDNS implements dns.Handler. A NOTIFY opcode is routed to the xfr
// Manager for the question's zone; everything else goes through the
// resolver's authoritative pipeline, which itself refuses AXFR/IXFR
// query types.
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if r.Opcode == dns.OpcodeNotify {
		s.serveNotify(w, r)
		return
	}

	tcp := w.RemoteAddr() != nil && w.RemoteAddr().Network() == "tcp"
	resp := s.resolver.ResolveTransport(r, tcp)
	s.countQuery(r, resp)
	if err := w.WriteMsg(resp); err != nil {
		zlog.Warn("server: failed to write response", "remote", w.RemoteAddr().String(), "error", err.Error())
	}
}

// countQuery feeds the per-qtype/rcode query counter, when metrics were
// attached.
func (s *Server) countQuery(req, resp *dns.Msg) {
	if s.metrics == nil {
		return
	}
	qtype := "NONE"
	if len(req.Question) == 1 {
		qtype = dns.TypeToString[req.Question[0].Qtype]
	}
	s.metrics.QueriesTotal.WithLabelValues(qtype, dns.RcodeToString[resp.Rcode]).Inc()
}

func (s *Server) serveNotify(w dns.ResponseWriter, r *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Authoritative = true

	if len(r.Question) != 1 {
		reply.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(reply)
		return
	}

	if s.xfrd == nil {
		reply.Rcode = dns.RcodeNotAuth
		_ = w.WriteMsg(reply)
		return
	}

	zone := r.Question[0].Name
	reply.Rcode = s.xfrd.HandleNotify(zone, w.RemoteAddr().String(), r)
	_ = w.WriteMsg(reply)
}

// Run starts the UDP and TCP listeners and blocks until ctx is
// canceled, at which point both are given shutdownTimeout to drain
// before Run returns. It fans the two listeners out under one errgroup
// so a failure on either one cancels the other: the server lifetime is
// the UDP+TCP pair together, not either alone.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ListenAndServeDNS(gctx, "udp") })
	g.Go(func() error { return s.ListenAndServeDNS(gctx, "tcp") })
	return g.Wait()
}

// ListenAndServeDNS starts one network's listener and blocks until ctx
// is canceled, then shuts it down within shutdownTimeout.
func (s *Server) ListenAndServeDNS(ctx context.Context, network string) error {
	zlog.Info("dns server listening", "net", network, "addr", s.addr)

	srv := &dns.Server{
		Addr:          s.addr,
		Net:           network,
		Handler:       s,
		MaxTCPQueries: 2048,
		ReusePort:     true,
	}

	if network == "tcp" {
		s.tcpStarted = true
	} else {
		s.udpStarted = true
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		s.setStarted(network, false)
		if err != nil {
			zlog.Error("dns listener failed", "net", network, "addr", s.addr, "error", err.Error())
		}
		return err
	case <-ctx.Done():
	}

	zlog.Info("dns server stopping", "net", network, "addr", s.addr)

	shutCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	err := srv.ShutdownContext(shutCtx)
	s.setStarted(network, false)
	if err != nil {
		zlog.Error("dns server shutdown failed", "net", network, "addr", s.addr, "error", err.Error())
	}
	return err
}

func (s *Server) setStarted(network string, v bool) {
	if network == "tcp" {
		s.tcpStarted = v
	} else {
		s.udpStarted = v
	}
}

// Stopped reports whether both listeners have returned.
func (s *Server) Stopped() bool {
	return !s.udpStarted && !s.tcpStarted
}
