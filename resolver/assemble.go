package resolver

import (
	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
)

func parseTarget(wire string) (*dname.Name, error) {
	return dname.Parse(wire)
}

// addedKey identifies an RRset for duplicate suppression; the domain
// pointer pins the zone too, since an RRset belongs to exactly one.
type addedKey struct {
	domain *ndb.Domain
	rrtype uint16
}

// assembler accumulates the three message sections for one response,
// suppressing duplicate RRsets and attaching DNSSEC material when the
// query requested it and the zone is signed.
type assembler struct {
	db   *ndb.DB
	zone *ndb.Zone
	do   bool

	already map[addedKey]bool

	answer []dns.RR
	ns     []dns.RR
	extra  []dns.RR
}

func newAssembler(db *ndb.DB, zone *ndb.Zone, do bool) *assembler {
	return &assembler{
		db:      db,
		zone:    zone,
		do:      do && zone.IsSecure,
		already: make(map[addedKey]bool),
	}
}

func (a *assembler) fill(resp *dns.Msg) {
	resp.Answer = a.answer
	resp.Ns = a.ns
	resp.Extra = a.extra
}

// addRRSet appends rrset's RRs (and, if DNSSEC was requested, its RRSIGs)
// to section, skipping if (domain, type) was already added to any section
// in this response.
func (a *assembler) addRRSet(domain *ndb.Domain, rrset *ndb.RRSet, section *[]dns.RR) {
	if rrset == nil {
		return
	}
	key := addedKey{domain: domain, rrtype: rrset.Type}
	if a.already[key] {
		return
	}
	a.already[key] = true

	*section = append(*section, rrset.RRs...)
	if a.do {
		*section = append(*section, rrset.Sigs...)
	}
}

// addOwnerRewritten appends rrset's RRs with their owner name rewritten to
// owner, used for wildcard-synthesized answers where the RRset's stored
// owner is the literal "*.X" but the response must show QNAME.
func (a *assembler) addOwnerRewritten(domain *ndb.Domain, rrset *ndb.RRSet, owner string, section *[]dns.RR) {
	if rrset == nil {
		return
	}
	key := addedKey{domain: domain, rrtype: rrset.Type}
	if a.already[key] {
		return
	}
	a.already[key] = true

	for _, rr := range rrset.RRs {
		cp := dns.Copy(rr)
		cp.Header().Name = owner
		*section = append(*section, cp)
	}
	if a.do {
		for _, rr := range rrset.Sigs {
			cp := dns.Copy(rr)
			cp.Header().Name = owner
			*section = append(*section, cp)
		}
	}
}

// addGlue adds A/AAAA records for any NS target that falls inside an
// authoritative zone.
func (a *assembler) addGlue(rrset *ndb.RRSet) {
	if rrset == nil {
		return
	}
	for _, rr := range rrset.RRs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		target, err := parseTarget(ns.Ns)
		if err != nil {
			continue
		}
		targetDomain := a.db.Find(target)
		if targetDomain == nil {
			continue
		}
		if a4 := a.db.FindRRSet(targetDomain, a.zone, dns.TypeA); a4 != nil {
			a.addRRSet(targetDomain, a4, &a.extra)
		}
		if aaaa := a.db.FindRRSet(targetDomain, a.zone, dns.TypeAAAA); aaaa != nil {
			a.addRRSet(targetDomain, aaaa, &a.extra)
		}
	}
}

// addNSEC3 appends the NSEC3 RRset owned by domain, if any, to the
// authority section, when DNSSEC was requested.
func (a *assembler) addNSEC3(domain *ndb.Domain) {
	if !a.do || domain == nil {
		return
	}
	if rrset := a.db.FindRRSet(domain, a.zone, dns.TypeNSEC3); rrset != nil {
		a.addRRSet(domain, rrset, &a.ns)
	}
}
