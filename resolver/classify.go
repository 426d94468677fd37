package resolver

import (
	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
)

// outcome is the classification result for one (qname, qtype) lookup
// within a single zone.
type outcome int

const (
	outcomePositive outcome = iota
	outcomeCNAME
	outcomeNoData
	outcomeReferral
	outcomeWildcard
	outcomeNXDomain
)

// classification carries everything assembly needs: which domain answered,
// which RRset (if any), and — for wildcard expansions — the synthesizing
// wildcard domain plus the original closest encloser, both needed to build
// the NSEC3 denial proof alongside the positive answer.
type classification struct {
	result outcome

	domain    *ndb.Domain // the domain actually answering (== queried name, or the wildcard owner)
	qnameUsed *dname.Name // the name classify was asked about (== synthesized owner on wildcard hits)

	rrset  *ndb.RRSet // answer RRset for positive/CNAME/referral(NS)
	cname  *ndb.RRSet // CNAME RRset when result == outcomeCNAME

	closestEncloser *ndb.Domain // set for NXDOMAIN and wildcard expansions
	wildcardSource  *ndb.Domain // the literal "*.X" domain used to synthesize, for wildcard denial proofs
}

// classify decides how qname relates to the zone: present with the
// asked-for type, aliased, delegated, synthesized by a wildcard, empty,
// or absent.
func classify(db *ndb.DB, zone *ndb.Zone, qname *dname.Name, qtype uint16) classification {
	exact, closest := db.Search(qname)

	if exact != nil {
		return classifyExact(db, zone, exact, qname, qtype)
	}

	if closest.WildcardChildClosestMatch != closest {
		wildcardDomain := closest.WildcardChildClosestMatch
		if wildcardDomain.Name.Label(0) == "*" {
			c := classifyExact(db, zone, wildcardDomain, qname, qtype)
			c.qnameUsed = qname
			c.wildcardSource = wildcardDomain
			c.closestEncloser = closest
			if c.result == outcomePositive || c.result == outcomeCNAME {
				c.result = outcomeWildcard
			}
			return c
		}
	}

	return classification{result: outcomeNXDomain, closestEncloser: closest, qnameUsed: qname}
}

// classifyExact handles the exact-match arm of the table: positive, CNAME,
// NODATA or referral, depending on what RRsets live at domain.
func classifyExact(db *ndb.DB, zone *ndb.Zone, domain *ndb.Domain, qname *dname.Name, qtype uint16) classification {
	base := classification{domain: domain, qnameUsed: qname}

	if rrset := db.FindRRSet(domain, zone, qtype); rrset != nil {
		base.result = outcomePositive
		base.rrset = rrset
		return base
	}

	if cname := db.FindRRSet(domain, zone, dns.TypeCNAME); cname != nil {
		base.result = outcomeCNAME
		base.cname = cname
		return base
	}

	if ns := db.FindRRSet(domain, zone, dns.TypeNS); ns != nil && domain != zone.Apex {
		base.result = outcomeReferral
		base.rrset = ns
		return base
	}

	if db.FindAnyRRSet(domain, zone) != nil || domain == zone.Apex || domain.IsExisting {
		// An empty non-terminal exists (descendants carry RRsets), so
		// the name itself gets NODATA, not NXDOMAIN.
		base.result = outcomeNoData
		return base
	}

	// domain is in the tree but nothing below it exists either (e.g. a
	// name pinned only by a usage reference); deny it outright.
	base.result = outcomeNXDomain
	base.closestEncloser = domain
	return base
}
