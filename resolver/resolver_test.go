package resolver

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edns0(msg *dns.Msg, do bool) *dns.Msg {
	msg.SetEdns0(4096, do)
	return msg
}

func TestResolveApexPositiveAnswer(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "example.com.", "A", "192.0.2.1")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "example.com.", dns.TypeA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", a.A.String())
}

func TestResolveApexSOAQuery(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	apex := db.Find(mustName(t, "example.com."))
	require.NotNil(t, apex)
	db.AddRRSet(apex, zone.SOA)

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "example.com.", dns.TypeSOA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, dns.TypeSOA, resp.Answer[0].Header().Rrtype)
}

func TestResolveWildcardExpansionWithNSEC3Proof(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "*.example.com.", "A", "192.0.2.9")
	signZone(t, db, zone, 1, []byte{0xAB, 0xCD}, []string{"*.example.com."})

	r := New(db, 8)
	req := edns0(new(dns.Msg), true)
	firstQuestion(req, "anything.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "anything.example.com.", a.Hdr.Name)
	assert.Equal(t, "192.0.2.9", a.A.String())

	var nsec3Count int
	for _, rr := range resp.Ns {
		if rr.Header().Rrtype == dns.TypeNSEC3 {
			nsec3Count++
		}
	}
	assert.GreaterOrEqual(t, nsec3Count, 1, "wildcard answer must carry a denial-of-literal-qname NSEC3")
}

func TestResolveNXDomainWithThreeNSEC3Proofs(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "a.example.com.", "A", "192.0.2.1")
	addRR(t, db, zone, "m.example.com.", "A", "192.0.2.2")
	addRR(t, db, zone, "z.example.com.", "A", "192.0.2.3")
	signZone(t, db, zone, 1, []byte{0xAB, 0xCD}, []string{
		"a.example.com.", "m.example.com.", "z.example.com.",
	})

	r := New(db, 8)
	req := edns0(new(dns.Msg), true)
	firstQuestion(req, "nonexistent.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Answer, 0)

	var nsec3Count int
	for _, rr := range resp.Ns {
		if rr.Header().Rrtype == dns.TypeNSEC3 {
			nsec3Count++
		}
	}
	assert.GreaterOrEqual(t, nsec3Count, 2, "NXDOMAIN must carry at least a closest-encloser and next-closer NSEC3")
}

func TestResolveNXDomainUnsignedZoneHasNoNSEC3(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "a.example.com.", "A", "192.0.2.1")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "nonexistent.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	for _, rr := range resp.Ns {
		assert.NotEqual(t, dns.TypeNSEC3, rr.Header().Rrtype)
	}
}

func TestResolveNoData(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "www.example.com.", "A", "192.0.2.1")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "www.example.com.", dns.TypeAAAA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Len(t, resp.Answer, 0)
	require.Len(t, resp.Ns, 1)
	assert.Equal(t, dns.TypeSOA, resp.Ns[0].Header().Rrtype)
}

func TestResolveReferralWithGlue(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "sub.example.com.", "NS", "ns1.sub.example.com.")
	addRR(t, db, zone, "ns1.sub.example.com.", "A", "192.0.2.53")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "sub.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Len(t, resp.Answer, 0)
	require.Len(t, resp.Ns, 1)
	assert.Equal(t, dns.TypeNS, resp.Ns[0].Header().Rrtype)
	require.Len(t, resp.Extra, 1)
	assert.Equal(t, dns.TypeA, resp.Extra[0].Header().Rrtype)
}

func TestResolveCNAMEChase(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "alias.example.com.", "CNAME", "target.example.com.")
	addRR(t, db, zone, "target.example.com.", "A", "192.0.2.7")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "alias.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 2)
	assert.Equal(t, dns.TypeCNAME, resp.Answer[0].Header().Rrtype)
	assert.Equal(t, dns.TypeA, resp.Answer[1].Header().Rrtype)
}

func TestResolveCNAMELoopStopsAndReturnsWhatItHas(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "a.example.com.", "CNAME", "b.example.com.")
	addRR(t, db, zone, "b.example.com.", "CNAME", "a.example.com.")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "a.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Len(t, resp.Answer, 2)
}

func TestResolveCNAMEMaxDepthStopsChasing(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	const n = 5
	for i := 0; i < n; i++ {
		owner := chainName(i)
		target := chainName(i + 1)
		addRR(t, db, zone, owner, "CNAME", target)
	}
	addRR(t, db, zone, chainName(n), "A", "192.0.2.1")

	r := New(db, 2)
	req := new(dns.Msg)
	firstQuestion(req, chainName(0), dns.TypeA)

	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Less(t, len(resp.Answer), n+1, "chain must be cut short by the configured depth limit")
}

func TestResolveCNAMEStopsChasingAcrossZoneCut(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "alias.example.com.", "CNAME", "target.other.org.")

	_, otherZone := newZoneIn(t, db, "other.org.")
	addRR(t, db, otherZone, "target.other.org.", "A", "192.0.2.7")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "alias.example.com.", dns.TypeA)

	resp := r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1, "chase must stop at the CNAME: the target belongs to a different zone")
	assert.Equal(t, dns.TypeCNAME, resp.Answer[0].Header().Rrtype)
}

func chainName(i int) string {
	labels := []string{"c0", "c1", "c2", "c3", "c4", "c5"}
	return labels[i] + ".example.com."
}

func TestResolveExpiredZoneServfailsWhileOthersServe(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "www.example.com.", "A", "192.0.2.1")
	_, other := newZoneIn(t, db, "other.org.")
	addRR(t, db, other, "www.other.org.", "A", "192.0.2.2")

	zone.SetExpired(true)

	r := New(db, 8)

	req := new(dns.Msg)
	firstQuestion(req, "www.example.com.", dns.TypeA)
	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)

	req = new(dns.Msg)
	firstQuestion(req, "www.other.org.", dns.TypeA)
	resp = r.Resolve(req)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Len(t, resp.Answer, 1)

	zone.SetExpired(false)
	req = new(dns.Msg)
	firstQuestion(req, "www.example.com.", dns.TypeA)
	assert.Equal(t, dns.RcodeSuccess, r.Resolve(req).Rcode)
}

func TestResolveRefusedForUnconfiguredZone(t *testing.T) {
	db, _ := newZone(t, "example.com.")

	r := New(db, 8)
	req := new(dns.Msg)
	firstQuestion(req, "www.other.org.", dns.TypeA)

	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestResolveRejectsMultiQuestion(t *testing.T) {
	db, _ := newZone(t, "example.com.")
	r := New(db, 8)

	req := new(dns.Msg)
	req.Question = []dns.Question{
		{Name: "a.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "b.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}

	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeFormatError, resp.Rcode)
}

func TestResolveRefusesAXFROverThisPipeline(t *testing.T) {
	db, _ := newZone(t, "example.com.")
	r := New(db, 8)

	req := new(dns.Msg)
	firstQuestion(req, "example.com.", dns.TypeAXFR)

	resp := r.Resolve(req)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}
