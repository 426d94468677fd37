package nsec3

import (
	"encoding/hex"

	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/ndb"
)

// typeBitmapHasSOA reports whether an NSEC3 RR's type bitmap includes SOA,
// the marker NSD uses to pick "the" apex NSEC3 record out of a zone's set.
func typeBitmapHasSOA(rr *dns.NSEC3) bool {
	for _, t := range rr.TypeBitMap {
		if t == dns.TypeSOA {
			return true
		}
	}
	return false
}

// findApexNSEC3 scans every domain in the zone for an NSEC3 RRset whose
// first RR's type bitmap includes SOA — the record that authenticates the
// zone's own NSEC3 parameters.
func findApexNSEC3(db *ndb.DB, zone *ndb.Zone) (*ndb.Domain, *dns.NSEC3) {
	for _, d := range db.AllByCanonicalOrder() {
		if !isInZone(db, d, zone) {
			continue
		}
		rrset := db.FindRRSet(d, zone, dns.TypeNSEC3)
		if rrset == nil || len(rrset.RRs) == 0 {
			continue
		}
		n3, ok := rrset.RRs[0].(*dns.NSEC3)
		if !ok || !typeBitmapHasSOA(n3) {
			continue
		}
		return d, n3
	}
	return nil, nil
}

func isInZone(db *ndb.DB, d *ndb.Domain, zone *ndb.Zone) bool {
	return db.FindZone(d) == zone
}

// DetectParams finds and validates the zone's NSEC3 parameters as
// describes: read them off the first NSEC3 RR at the apex
// whose bitmap includes SOA, then confirm that hashing the apex name with
// those parameters reproduces that very record's owner name. A mismatch
// (or no qualifying record at all) disables NSEC3 for the zone.
func DetectParams(db *ndb.DB, zone *ndb.Zone) *ndb.NSEC3Params {
	apexNSEC3Domain, rr := findApexNSEC3(db, zone)
	if rr == nil {
		return nil
	}

	if err := ValidateIterations(uint32(rr.Iterations)); err != nil {
		return nil
	}

	salt, err := hexDecodeSalt(rr.Salt)
	if err != nil {
		return nil
	}

	params := &ndb.NSEC3Params{
		Algorithm:  rr.Hash,
		Flags:      rr.Flags,
		Iterations: rr.Iterations,
		Salt:       salt,
	}

	checkName, err := HashOwnerName(zone.Apex.Name, zone.Apex.Name, params.Iterations, params.Salt)
	if err != nil {
		return nil
	}
	if checkName.Canonical() != apexNSEC3Domain.Name.Canonical() {
		return nil
	}

	return params
}

// hexDecodeSalt decodes an NSEC3 RR's Salt field, which miekg/dns stores
// as presentation-format hex text ("-" for the empty salt).
func hexDecodeSalt(s string) ([]byte, error) {
	if s == "-" || s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
