package xfr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNotifyResponder(t *testing.T, rcode int) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		m.Rcode = rcode
		_ = w.WriteMsg(m)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestNotifySendSucceeds(t *testing.T) {
	addr := startNotifyResponder(t, dns.RcodeSuccess)

	n := NewNotifier(&dns.Client{Net: "udp", Timeout: time.Second})
	soa := soaRR(t, 11)

	err := n.Send(context.Background(), addr, "example.com.", soa)
	assert.NoError(t, err)
}

func TestNotifySendTreatsNotImplementedAsSuccess(t *testing.T) {
	addr := startNotifyResponder(t, dns.RcodeNotImplemented)

	n := NewNotifier(&dns.Client{Net: "udp", Timeout: time.Second})
	soa := soaRR(t, 11)

	err := n.Send(context.Background(), addr, "example.com.", soa)
	assert.NoError(t, err)
}
