package resolver

import (
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
	"github.com/nsdcore/nsd/nsec3"
)

// liveCover hashes name under zone's own NSEC3 parameters and finds its
// cover on demand, for names that have no Domain of their own in the tree
// (the next-closer name in an NXDOMAIN proof, and the literal QNAME denied
// by a wildcard expansion) and so carry no precomputed DomainNSEC3.
func liveCover(db *ndb.DB, zone *ndb.Zone, name *dname.Name) *ndb.Domain {
	if zone.NSEC3Params == nil {
		return nil
	}
	hashed, err := nsec3.HashOwnerName(name, zone.Apex.Name, zone.NSEC3Params.Iterations, zone.NSEC3Params.Salt)
	if err != nil {
		return nil
	}
	cover, _ := nsec3.FindCover(db, zone, hashed)
	return cover
}

// nextCloserName returns the name one label below closestEncloser along
// qname's path to the root — the name whose non-existence the NXDOMAIN
// proof's second NSEC3 record must deny.
func nextCloserName(qname *dname.Name, closestEncloser *ndb.Domain) *dname.Name {
	drop := qname.LabelCount() - closestEncloser.Name.LabelCount() - 1
	n := qname
	for i := 0; i < drop; i++ {
		n = n.Parent()
	}
	return n
}

// attachNXDomainProof implements three-record NXDOMAIN
// proof: closest-encloser match, next-closer cover, wildcard-denial cover.
// Duplicates are suppressed automatically by the assembler's dedup set.
func (a *assembler) attachNXDomainProof(closestEncloser *ndb.Domain, qname *dname.Name) {
	if !a.do {
		return
	}
	if closestEncloser.NSEC3 != nil {
		a.addNSEC3(closestEncloser.NSEC3.Exact)
		a.addNSEC3(closestEncloser.NSEC3.WildcardChildCover)
	}
	if nc := nextCloserName(qname, closestEncloser); nc != nil {
		a.addNSEC3(liveCover(a.db, a.zone, nc))
	}
}

// attachNoDataProof implements NODATA (non-DS) proof: the
// NSEC3 matching the queried name exactly.
func (a *assembler) attachNoDataProof(domain *ndb.Domain) {
	if !a.do || domain.NSEC3 == nil {
		return
	}
	a.addNSEC3(domain.NSEC3.Exact)
}

// attachWildcardProof implements wildcard-expanded-answer
// proof: a cover showing the literal QNAME would have been denied, plus
// the closest encloser's own match (it exists exactly, so no NSEC3 is
// needed there per the concrete scenario in — "no NSEC3 for
// the closest encloser since it exists exactly").
func (a *assembler) attachWildcardProof(qname *dname.Name) {
	if !a.do {
		return
	}
	a.addNSEC3(liveCover(a.db, a.zone, qname))
}

// attachReferralProof implements referral proof: the
// DS-parent pointer, whether it is an exact "no DS" proof or an opt-out
// cover.
func (a *assembler) attachReferralProof(domain *ndb.Domain) {
	if !a.do || domain.NSEC3 == nil || domain.NSEC3.DSParentExact == nil {
		return
	}
	a.addNSEC3(domain.NSEC3.DSParentExact)
}
