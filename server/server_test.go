package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdcore/nsd/config"
	"github.com/nsdcore/nsd/difflog"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ipc"
	"github.com/nsdcore/nsd/metrics"
	"github.com/nsdcore/nsd/ndb"
	"github.com/nsdcore/nsd/resolver"
	"github.com/nsdcore/nsd/xfr"
)

func mustName(t *testing.T, s string) *dname.Name {
	t.Helper()
	n, err := dname.Parse(s)
	require.NoError(t, err)
	return n
}

// newTestResolver builds a single-zone database serving one A record, so
// ServeDNS has something real to answer instead of mocking the resolver.
func newTestResolver(t *testing.T) *resolver.Resolver {
	t.Helper()
	db := ndb.New()

	apex := db.Insert(mustName(t, "example.com."))
	zone := db.MakeZone(apex)

	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      "ns1.example.com.",
		Mbox:    "hostmaster.example.com.",
		Serial:  1,
		Refresh: 3600,
		Retry:   900,
		Expire:  604800,
		Minttl:  3600,
	}
	zone.SOA = ndb.NewRRSet(zone, dns.TypeSOA, 3600, []dns.RR{soa})

	www := db.Insert(mustName(t, "www.example.com."))
	a := &dns.A{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.ParseIP("192.0.2.1")}
	db.AddRRSet(www, ndb.NewRRSet(zone, dns.TypeA, 300, []dns.RR{a}))

	return resolver.New(db, 8)
}

func newTestManager(t *testing.T, notifyACL []string) *xfr.Manager {
	t.Helper()
	dl, err := difflog.Open(t.TempDir() + "/difflog")
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })

	queue := ipc.New(1)
	go func() {
		for task := range queue.Tasks() {
			task.Done(nil)
		}
	}()

	met := metrics.New(prometheus.NewRegistry())
	cfg := &config.Config{
		TCPQueryCountMax:   4,
		XFRDReloadTimeout:  config.Duration{Duration: time.Second},
		NotifyRetryTimeout: config.Duration{Duration: time.Second},
		Zones: []config.ZoneConfig{
			{Name: "example.com.", Masters: []string{"127.0.0.1:1"}, AllowNotify: notifyACL},
		},
	}
	mgr, err := xfr.NewManager(cfg, dl, queue, met)
	require.NoError(t, err)
	return mgr
}

func TestServeDNSAnswersQuery(t *testing.T) {
	s := New("127.0.0.1:0", newTestResolver(t), nil)

	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)

	w := &recordingWriter{}
	s.ServeDNS(w, req)

	require.NotNil(t, w.msg)
	assert.True(t, w.msg.Authoritative)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
	require.Len(t, w.msg.Answer, 1)
	assert.Equal(t, "www.example.com.", w.msg.Answer[0].Header().Name)
}

func TestServeDNSRefusesAXFR(t *testing.T) {
	s := New("127.0.0.1:0", newTestResolver(t), nil)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeAXFR)

	w := &recordingWriter{}
	s.ServeDNS(w, req)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeRefused, w.msg.Rcode)
}

func TestServeDNSNotifyWithoutManagerIsNotAuth(t *testing.T) {
	s := New("127.0.0.1:0", newTestResolver(t), nil)

	msg := new(dns.Msg)
	msg.SetNotify("example.com.")
	msg.Answer = []dns.RR{&dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 2}}

	w := &recordingWriter{}
	s.ServeDNS(w, msg)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeNotAuth, w.msg.Rcode)
}

func TestServeDNSNotifyRoutesToManager(t *testing.T) {
	mgr := newTestManager(t, []string{"203.0.113.0/24"})
	c := mgr.Coordinator("example.com.")
	require.NotNil(t, c)

	soa := &dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 1, Refresh: 3600, Retry: 900, Expire: 604800}
	c.OnZoneLoaded(soa)

	s := New("127.0.0.1:0", newTestResolver(t), mgr)

	msg := new(dns.Msg)
	msg.SetNotify("example.com.")
	msg.Answer = []dns.RR{&dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 2}}

	w := &recordingWriter{remote: &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 12345}}
	s.ServeDNS(w, msg)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeSuccess, w.msg.Rcode)
}

func TestServerRunAnswersOverUDP(t *testing.T) {
	s := New("127.0.0.1:0", newTestResolver(t), nil)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	pc.Close()
	s.addr = pc.LocalAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.udpStarted && s.tcpStarted }, 2*time.Second, 10*time.Millisecond)

	client := &dns.Client{Net: "udp", Timeout: time.Second}
	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)
	reply, _, err := client.Exchange(req, s.addr)
	require.NoError(t, err)
	assert.True(t, reply.Authoritative)
	require.Len(t, reply.Answer, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, s.Stopped())
}

// recordingWriter is a minimal dns.ResponseWriter for tests that don't
// need a real socket.
type recordingWriter struct {
	remote net.Addr
	msg    *dns.Msg
}

func (w *recordingWriter) LocalAddr() net.Addr  { return &net.UDPAddr{} }
func (w *recordingWriter) RemoteAddr() net.Addr {
	if w.remote != nil {
		return w.remote
	}
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1")}
}
func (w *recordingWriter) WriteMsg(m *dns.Msg) error { w.msg = m; return nil }
func (w *recordingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *recordingWriter) Close() error              { return nil }
func (w *recordingWriter) TsigStatus() error          { return nil }
func (w *recordingWriter) TsigTimersOnly(bool)        {}
func (w *recordingWriter) Hijack()                    {}
