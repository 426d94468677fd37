package ndb

import "github.com/miekg/dns"

// RRSet is a (zone, type, ttl, rr[]) tuple. RDATA stays in miekg/dns's own
// typed RR representation rather than a hand-rolled atom list: dns.RR
// already is a tagged variant per RR type (name references and raw byte
// fields are its struct fields), so re-deriving that here would just be a
// second copy of the same decoding miekg/dns already did on the wire.
type RRSet struct {
	Zone  *Zone
	Type  uint16
	Class uint16
	TTL   uint32
	RRs   []dns.RR

	// Sigs holds the RRSIG records covering this set, when the zone is
	// secure. Populated at load time alongside the RRset itself.
	Sigs []dns.RR
}

// NewRRSet builds an RRset from a non-empty, same-type, same-class RR
// slice sharing one owner name. The class is read off the first RR's
// header, since the RRs themselves are the one place it can't drift
// from; an empty slice defaults to IN.
func NewRRSet(zone *Zone, rrtype uint16, ttl uint32, rrs []dns.RR) *RRSet {
	class := uint16(dns.ClassINET)
	if len(rrs) > 0 {
		class = rrs[0].Header().Class
	}
	return &RRSet{Zone: zone, Type: rrtype, Class: class, TTL: ttl, RRs: append([]dns.RR(nil), rrs...)}
}

// Owner returns the owner name of the RRset's first RR, or "" if empty.
func (s *RRSet) Owner() string {
	if len(s.RRs) == 0 {
		return ""
	}
	return s.RRs[0].Header().Name
}
