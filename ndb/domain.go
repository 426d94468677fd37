package ndb

import "github.com/nsdcore/nsd/dname"

// wildcardLabel is the wire-encoded form of the label "*": a length octet
// (1) followed by the byte for '*'. Any label sorting lexically at or
// below this value (comparing the length-prefixed wire bytes) is eligible
// to be the wildcard_child_closest_match.
var wildcardLabel = []byte{1, '*'}

// DomainNSEC3 holds the precomputed NSEC3 cross-references for a domain,
// populated by the nsec3 package after a zone load. It stays nil until
// precomputation runs.
type DomainNSEC3 struct {
	// Exact is the NSEC3 owner domain whose hash matches or covers this
	// domain's hash, per ExactMatch.
	Exact      *Domain
	ExactMatch bool

	// WildcardChildCover is the NSEC3 owner covering the hash of
	// "*"+this domain's name (used for NXDOMAIN / wildcard-denial proofs).
	WildcardChildCover *Domain

	// DSParentExact/DSParentIsExact mirror Exact/ExactMatch but computed
	// against the parent zone's NSEC3 parameters, for domains carrying a
	// DS RRset at a zone cut.
	DSParentExact   *Domain
	DSParentIsExact bool

	// Collision marks a precomputation collision: an exact match was
	// found where a wildcard-denial proof required a cover. Zones with
	// Collision set must SERVFAIL queries that would need the proof.
	Collision bool
}

// Domain is a node in the name tree: every inserted name, plus every
// missing ancestor, has exactly one Domain.
type Domain struct {
	Name   *dname.Name
	Parent *Domain

	// children indexes direct children by their leftmost label, so that
	// wildcard_child_closest_match can be recomputed by rescanning
	// siblings after a delete, and so insert can detect an existing
	// child without a tree-wide search.
	children map[string]*Domain

	rrsets []*RRSet

	// WildcardChildClosestMatch is the greatest direct child whose label
	// sorts at or below "*", or the domain itself if none exists.
	WildcardChildClosestMatch *Domain

	// Number is the dense ordinal used by the on-disk format and by
	// NSEC3 cross references. Maintained by the owning DB's numbering
	// list (append-at-tail on insert, swap-to-tail on delete).
	Number int

	IsExisting bool
	IsApex     bool

	// Zone is set directly on apex domains; non-apex domains resolve
	// their zone via DB.FindZone, which climbs parents for the SOA.
	zone *Zone

	// Usage is a reference count: non-zero usage (e.g. NSEC3 pointers
	// targeting this domain) blocks reclamation.
	Usage int32

	NSEC3 *DomainNSEC3
}

func newDomain(name *dname.Name, parent *Domain) *Domain {
	d := &Domain{
		Name:   name,
		Parent: parent,
	}
	d.WildcardChildClosestMatch = d
	return d
}

// RRSets returns the domain's RRset list in insertion order. Callers must
// not mutate the returned slice.
func (d *Domain) RRSets() []*RRSet { return d.rrsets }

// zoneDirect returns the zone apex marker set directly on this domain,
// if any. Non-apex domains resolve their zone via DB.FindZone.
func (d *Domain) zoneDirect() *Zone { return d.zone }

// leftmostLabelWire returns the wire encoding (length octet + bytes) of
// name's leftmost (most specific) label.
func leftmostLabelWire(name *dname.Name) []byte {
	if name.IsRoot() {
		return nil
	}
	l := name.Label(0)
	b := make([]byte, 0, len(l)+1)
	b = append(b, byte(len(l)))
	b = append(b, l...)
	return b
}

// lessEqWildcard reports whether a label (wire-encoded, length-prefixed)
// sorts at or below the wildcard label "*".
func lessEqWildcard(labelWire []byte) bool {
	return compareBytes(labelWire, wildcardLabel) <= 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// updateWildcardMatchOnInsert is called on the parent immediately after a
// new direct child is linked in, maintaining the wildcard-child-closest-
// match invariant.
func (parent *Domain) updateWildcardMatchOnInsert(child *Domain) {
	childLabel := leftmostLabelWire(child.Name)
	if !lessEqWildcard(childLabel) {
		return
	}
	current := parent.WildcardChildClosestMatch
	if current == parent {
		parent.WildcardChildClosestMatch = child
		return
	}
	if compareBytes(childLabel, leftmostLabelWire(current.Name)) > 0 {
		parent.WildcardChildClosestMatch = child
	}
}

// recomputeWildcardMatch rescans all remaining direct children, used when
// the previous WildcardChildClosestMatch is deleted.
func (parent *Domain) recomputeWildcardMatch() {
	best := parent
	for _, c := range parent.children {
		label := leftmostLabelWire(c.Name)
		if !lessEqWildcard(label) {
			continue
		}
		if best == parent || compareBytes(label, leftmostLabelWire(best.Name)) > 0 {
			best = c
		}
	}
	parent.WildcardChildClosestMatch = best
}
