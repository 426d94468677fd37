package resolver

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
	"github.com/nsdcore/nsd/nsec3"
	"github.com/stretchr/testify/require"
)

func mustName(t *testing.T, s string) *dname.Name {
	t.Helper()
	n, err := dname.Parse(s)
	require.NoError(t, err)
	return n
}

// newZone creates an unsigned zone with an SOA and apex NS RRset, ready for
// records to be added on top.
func newZone(t *testing.T, apexStr string) (*ndb.DB, *ndb.Zone) {
	t.Helper()
	return newZoneIn(t, ndb.New(), apexStr)
}

// newZoneIn is newZone against a caller-supplied DB, so a test can load
// more than one zone into the same name tree (e.g. to exercise behavior at
// a boundary between two separately configured zones).
func newZoneIn(t *testing.T, db *ndb.DB, apexStr string) (*ndb.DB, *ndb.Zone) {
	t.Helper()
	apex := db.Insert(mustName(t, apexStr))
	zone := db.MakeZone(apex)

	soa, err := dns.NewRR(apexStr + " 3600 IN SOA ns1." + apexStr + " hostmaster." + apexStr + " 1 7200 3600 1209600 3600")
	require.NoError(t, err)
	zone.SOA = ndb.NewRRSet(zone, dns.TypeSOA, 3600, []dns.RR{soa})

	ns, err := dns.NewRR(apexStr + " 3600 IN NS ns1." + apexStr)
	require.NoError(t, err)
	zone.NS = ndb.NewRRSet(zone, dns.TypeNS, 3600, []dns.RR{ns})
	db.AddRRSet(apex, zone.NS)

	return db, zone
}

func addRR(t *testing.T, db *ndb.DB, zone *ndb.Zone, owner, rrtype, rdata string) *ndb.Domain {
	t.Helper()
	rr, err := dns.NewRR(owner + " 3600 IN " + rrtype + " " + rdata)
	require.NoError(t, err)
	d := db.Insert(mustName(t, owner))
	db.AddRRSet(d, ndb.NewRRSet(zone, rr.Header().Rrtype, 3600, []dns.RR{rr}))
	return d
}

// signZone adds a synthetic NSEC3 RRset under every existing domain's hashed
// owner name (including the apex), then runs precomputation so the
// resolver's denial-proof attachment has real cross references to walk.
func signZone(t *testing.T, db *ndb.DB, zone *ndb.Zone, iterations uint16, salt []byte, extraNames []string) {
	t.Helper()
	zone.IsSecure = true
	zone.NSEC3Params = &ndb.NSEC3Params{Algorithm: 1, Iterations: iterations, Salt: salt}

	names := append([]string{zone.Name()}, extraNames...)
	for _, n := range names {
		name := mustName(t, n)
		hash := nsec3.Hash(name, iterations, salt)
		owner, err := nsec3.OwnerName(hash, mustName(t, zone.Name()))
		require.NoError(t, err)

		types := "A"
		if n == zone.Name() {
			types = "SOA NS"
		}
		n3, err := dns.NewRR(owner.Canonical() + " 3600 IN NSEC3 1 0 " +
			itoa(iterations) + " abcd " + nsec3.EncodeOwnerLabel(hash) + " " + types)
		require.NoError(t, err)

		ownerDomain := db.Insert(owner)
		db.AddRRSet(ownerDomain, ndb.NewRRSet(zone, dns.TypeNSEC3, 3600, []dns.RR{n3}))
	}

	nsec3.Precompute(db, zone)
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

func firstQuestion(msg *dns.Msg, name string, qtype uint16) *dns.Msg {
	msg.SetQuestion(dns.Fqdn(name), qtype)
	return msg
}
