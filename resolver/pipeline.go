package resolver

import (
	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/semihalev/zlog/v2"
)

type visitKey struct {
	name   string
	rrtype uint16
}

// answer runs classification and, for CNAME chains, repeats it within the
// same zone up to maxCNAMEDepth times, assembling sections as it goes. It
// returns the final RCODE for the response.
func (r *Resolver) answer(asm *assembler, qname *dname.Name, qtype uint16) int {
	visited := make(map[visitKey]bool)
	current := qname

	for depth := 0; ; depth++ {
		c := classify(asm.db, asm.zone, current, qtype)

		key := visitKey{name: current.Canonical(), rrtype: qtype}
		if visited[key] {
			zlog.Warn(errLoopDetection.Error(), "qname", qname.Canonical(), "at", current.Canonical())
			return dns.RcodeSuccess
		}
		visited[key] = true

		switch c.result {
		case outcomePositive:
			asm.addRRSet(c.domain, c.rrset, &asm.answer)
			asm.addGlue(c.rrset)
			return dns.RcodeSuccess

		case outcomeWildcard:
			owner := qname.Canonical()
			if c.cname != nil {
				asm.addOwnerRewritten(c.domain, c.cname, owner, &asm.answer)
			} else {
				asm.addOwnerRewritten(c.domain, c.rrset, owner, &asm.answer)
				asm.addGlue(c.rrset)
			}
			if c.wildcardSource != nil && c.wildcardSource.NSEC3 != nil && c.wildcardSource.NSEC3.Collision {
				return dns.RcodeServerFailure
			}
			asm.attachWildcardProof(qname)
			if c.cname == nil {
				return dns.RcodeSuccess
			}
			// wildcard-synthesized CNAME: chase it like any other CNAME.
			target, err := dname.Parse(c.cname.RRs[0].(*dns.CNAME).Target)
			if err != nil {
				return dns.RcodeServerFailure
			}
			if !dname.IsSubdomain(target, asm.zone.Apex.Name) {
				// Target leaves the zone that owns this CNAME: stop here
				// with whatever was assembled so far rather than chase
				// into a different zone's trust boundary.
				return dns.RcodeSuccess
			}
			current = target
			continue

		case outcomeCNAME:
			asm.addRRSet(c.domain, c.cname, &asm.answer)
			if depth+1 >= r.maxCNAMEDepth {
				zlog.Warn(errMaxDepth.Error(), "qname", qname.Canonical())
				return dns.RcodeSuccess
			}
			target, err := dname.Parse(c.cname.RRs[0].(*dns.CNAME).Target)
			if err != nil {
				return dns.RcodeServerFailure
			}
			if !dname.IsSubdomain(target, asm.zone.Apex.Name) {
				// Target leaves the zone that owns this CNAME: stop here
				// with whatever was assembled so far rather than chase
				// into a different zone's trust boundary.
				return dns.RcodeSuccess
			}
			current = target
			continue

		case outcomeNoData:
			asm.addRRSet(asm.zone.Apex, asm.zone.SOA, &asm.ns)
			asm.attachNoDataProof(c.domain)
			return dns.RcodeSuccess

		case outcomeReferral:
			asm.addRRSet(c.domain, c.rrset, &asm.ns)
			asm.addGlue(c.rrset)
			asm.attachReferralProof(c.domain)
			return dns.RcodeSuccess

		case outcomeNXDomain:
			if c.closestEncloser != nil && c.closestEncloser.NSEC3 != nil && c.closestEncloser.NSEC3.Collision {
				return dns.RcodeServerFailure
			}
			asm.addRRSet(asm.zone.Apex, asm.zone.SOA, &asm.ns)
			if c.closestEncloser != nil {
				asm.attachNXDomainProof(c.closestEncloser, current)
			}
			return dns.RcodeNameError

		default:
			return dns.RcodeServerFailure
		}
	}
}
