package nsec3

import (
	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
)

// hasNSEC3 reports whether d carries an NSEC3 RRset for zone, i.e. it is
// itself a hash-ring member rather than just a domain that happens to sort
// near one.
func hasNSEC3(db *ndb.DB, d *ndb.Domain, zone *ndb.Zone) bool {
	return db.FindRRSet(d, zone, dns.TypeNSEC3) != nil
}

// FindCover locates the NSEC3 owner domain that proves hashedName's
// non-existence (or existence) within zone: an exact hit if one of the
// zone's own NSEC3 owners equals hashedName, otherwise the owner whose hash
// is the greatest that still sorts below it, wrapping around to the
// largest hash in the zone if hashedName sorts below all of them.
//
// Because base32hex preserves the byte ordering of the hash it encodes,
// the cover search is an ordinary predecessor walk over the very same
// name tree the rest of ndb uses, skipping over domains that are not
// themselves NSEC3 owners.
func FindCover(db *ndb.DB, zone *ndb.Zone, hashedName *dname.Name) (cover *ndb.Domain, exact bool) {
	if zone.NSEC3Params == nil || zone.NSEC3Last == nil {
		return nil, false
	}

	if d := db.Find(hashedName); d != nil && hasNSEC3(db, d, zone) {
		return d, true
	}

	walk, ok := db.PredecessorDomain(hashedName)
	for ok {
		if dname.IsSubdomain(walk.Name, zone.Apex.Name) && hasNSEC3(db, walk, zone) {
			return walk, false
		}
		if !dname.IsSubdomain(walk.Name, zone.Apex.Name) {
			break
		}
		walk, ok = db.DomainBefore(walk)
	}

	// Wrapped around the start of the zone's hash ring: the cover is the
	// owner with the largest hash in the zone.
	return zone.NSEC3Last, false
}

// subdomains returns every domain in db whose name lies under zone's apex
// (inclusive), in canonical order. The walk does not stop at a nested
// zone cut: the DS-parent pass below must see cut domains even when a
// delegated child zone is loaded in the same tree.
func subdomains(db *ndb.DB, zone *ndb.Zone) []*ndb.Domain {
	all := db.AllByCanonicalOrder()
	out := make([]*ndb.Domain, 0, len(all))
	for _, d := range all {
		if dname.IsSubdomain(d.Name, zone.Apex.Name) {
			out = append(out, d)
		}
	}
	return out
}

// domainInfo returns d's existing NSEC3 annotation, or a freshly allocated
// one if precomputation hasn't touched d yet. A domain at a zone cut is
// visited by both the parent zone's and the child zone's Precompute pass,
// so the two passes must accumulate into the same struct rather than
// overwrite each other's fields.
func domainInfo(d *ndb.Domain) *ndb.DomainNSEC3 {
	if d.NSEC3 == nil {
		d.NSEC3 = &ndb.DomainNSEC3{}
	}
	return d.NSEC3
}

// Precompute computes the per-domain NSEC3 cross references for every
// domain in zone: the owner matching or covering the domain's own hash,
// the cover of its synthetic wildcard child, and the cover of its hash
// under the parent zone's parameters at delegation cuts. It assumes
// zone.NSEC3Params has already been set by DetectParams and that the
// zone's NSEC3 RRsets are already loaded into db.
func Precompute(db *ndb.DB, zone *ndb.Zone) {
	params := zone.NSEC3Params
	if params == nil {
		return
	}

	// Every NSEC3 owner a precomputed pointer targets gets a usage pin so
	// it can't be reclaimed out from under the pointer; the pins release
	// when the snapshot's region closes.
	var pinned []*ndb.Domain
	pin := func(d *ndb.Domain) {
		if d == nil {
			return
		}
		d.Usage++
		pinned = append(pinned, d)
	}
	defer func() {
		if len(pinned) == 0 {
			return
		}
		db.Region().OnClose(func() {
			for _, d := range pinned {
				d.Usage--
			}
		})
	}()

	domains := subdomains(db, zone)

	// Locate NSEC3Last: the NSEC3 owner with the greatest hash in the
	// zone, i.e. the last NSEC3-bearing domain in canonical order whose
	// name is itself a hashed owner under the apex. hasNSEC3 is already
	// scoped to RRsets tagged to zone, so domains belonging to a nested
	// delegated zone are naturally excluded here.
	for _, d := range domains {
		if hasNSEC3(db, d, zone) {
			zone.NSEC3Last = d
		}
	}
	if zone.NSEC3Last == nil {
		return
	}

	for _, d := range domains {
		// The domain's own hash position and its wildcard child's cover
		// only apply to domains zone actually owns, not to domains whose
		// nearest enclosing apex is a nested, separately loaded zone.
		if db.FindZone(d) == zone && (d.IsExisting || d == zone.Apex) {
			info := domainInfo(d)

			hashed, err := HashOwnerName(d.Name, zone.Apex.Name, params.Iterations, params.Salt)
			if err == nil {
				info.Exact, info.ExactMatch = FindCover(db, zone, hashed)
				pin(info.Exact)
			}

			wildcardName := dname.WildcardChild(d.Name)
			if wildcardName != nil {
				wHashed, err := HashOwnerName(wildcardName, zone.Apex.Name, params.Iterations, params.Salt)
				if err == nil {
					cover, exact := FindCover(db, zone, wHashed)
					info.WildcardChildCover = cover
					pin(cover)
					if exact {
						// An exact hit where a cover was expected means the
						// wildcard-denial proof this domain would need can't
						// be constructed; nsd logs this as a hash collision.
						info.Collision = true
					}
				}
			}
		}

		// DS-parent exact/cover, for every delegation cut — a DS RRset or
		// an NS RRset tagged to zone — independent of which zone
		// db.FindZone(d) reports as d's owner: a cut whose DS lives in
		// zone (the parent) may itself be the apex of a separately loaded
		// child zone. The hash is recomputed with zone's own params
		// rather than reusing the result above, since the domain's home
		// zone (if different) may use different NSEC3 parameters.
		// Referral responses need this pointer even when no DS exists
		// (the opt-out / proof-of-no-DS cases).
		if d != zone.Apex && (db.FindRRSet(d, zone, dns.TypeDS) != nil || db.FindRRSet(d, zone, dns.TypeNS) != nil) {
			info := domainInfo(d)
			hashed, err := HashOwnerName(d.Name, zone.Apex.Name, params.Iterations, params.Salt)
			if err == nil {
				info.DSParentExact, info.DSParentIsExact = FindCover(db, zone, hashed)
				pin(info.DSParentExact)
			}
		}
	}
}
