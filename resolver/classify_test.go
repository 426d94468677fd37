package resolver

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPositiveAtApex(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "example.com.", "A", "192.0.2.1")

	c := classify(db, zone, mustName(t, "example.com."), dns.TypeA)
	assert.Equal(t, outcomePositive, c.result)
	require.NotNil(t, c.rrset)
	assert.Equal(t, uint16(dns.TypeA), c.rrset.Type)
}

func TestClassifyNoDataWhenOtherTypeExists(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "www.example.com.", "A", "192.0.2.1")

	c := classify(db, zone, mustName(t, "www.example.com."), dns.TypeAAAA)
	assert.Equal(t, outcomeNoData, c.result)
}

func TestClassifyCNAME(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "alias.example.com.", "CNAME", "target.example.com.")

	c := classify(db, zone, mustName(t, "alias.example.com."), dns.TypeA)
	assert.Equal(t, outcomeCNAME, c.result)
	require.NotNil(t, c.cname)
}

func TestClassifyReferral(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "sub.example.com.", "NS", "ns1.sub.example.com.")
	addRR(t, db, zone, "ns1.sub.example.com.", "A", "192.0.2.53")

	c := classify(db, zone, mustName(t, "sub.example.com."), dns.TypeA)
	assert.Equal(t, outcomeReferral, c.result)
	require.NotNil(t, c.rrset)
	assert.Equal(t, uint16(dns.TypeNS), c.rrset.Type)
}

func TestClassifyApexNeverReferred(t *testing.T) {
	// The apex itself carries an NS RRset (the zone's own nameservers) but
	// must never be classified as a referral away from itself.
	db, zone := newZone(t, "example.com.")

	c := classify(db, zone, mustName(t, "example.com."), dns.TypeA)
	assert.Equal(t, outcomeNoData, c.result)
}

func TestClassifyEmptyNonTerminalIsNoData(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "a.b.example.com.", "A", "192.0.2.1")

	// "b.example.com." exists only because its child does; the name
	// itself exists, so it must answer NODATA, not NXDOMAIN.
	c := classify(db, zone, mustName(t, "b.example.com."), dns.TypeA)
	assert.Equal(t, outcomeNoData, c.result)
}

func TestClassifyNXDomainNoWildcard(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "a.example.com.", "A", "192.0.2.1")

	c := classify(db, zone, mustName(t, "nonexistent.example.com."), dns.TypeA)
	assert.Equal(t, outcomeNXDomain, c.result)
	require.NotNil(t, c.closestEncloser)
	assert.Equal(t, "example.com.", c.closestEncloser.Name.Canonical())
}

func TestClassifyWildcardExpansion(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "*.example.com.", "A", "192.0.2.9")

	c := classify(db, zone, mustName(t, "anything.example.com."), dns.TypeA)
	assert.Equal(t, outcomeWildcard, c.result)
	require.NotNil(t, c.wildcardSource)
	assert.Equal(t, "*.example.com.", c.wildcardSource.Name.Canonical())
	require.NotNil(t, c.closestEncloser)
	assert.Equal(t, "example.com.", c.closestEncloser.Name.Canonical())
}

func TestClassifyWildcardDoesNotApplyBelowLiteralName(t *testing.T) {
	db, zone := newZone(t, "example.com.")
	addRR(t, db, zone, "*.example.com.", "A", "192.0.2.9")
	addRR(t, db, zone, "sub.example.com.", "NS", "ns1.sub.example.com.")

	// "deep.sub.example.com." has a literal ancestor ("sub.example.com.")
	// that is not itself "*", so no wildcard applies and the referral at
	// "sub.example.com." still governs via classify's caller (pipeline),
	// but classify in isolation reports NXDOMAIN relative to the deepest
	// enclosing domain actually in the tree.
	c := classify(db, zone, mustName(t, "deep.sub.example.com."), dns.TypeA)
	assert.Equal(t, outcomeNXDomain, c.result)
}
