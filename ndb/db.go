// Package ndb implements the in-memory domain-name tree: ordered lookup
// (exact / closest-encloser / predecessor), wildcard child tracking,
// per-domain RRsets and per-zone apex bookkeeping.
package ndb

import (
	"sync"

	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/radix"
	"github.com/nsdcore/nsd/region"
)

// DB is the domain tree plus the zone index. A DB is built once per
// loaded snapshot; workers serve a DB read-only, and a reload builds a
// fresh DB that is swapped in atomically.
type DB struct {
	mu sync.RWMutex

	region *region.Region

	root *Domain
	tree *radix.Tree[*Domain] // keyed by dname.Name.Key(), every inserted name

	zones *radix.Tree[*Zone] // keyed by apex dname.Name.Key()

	// numbering holds the dense ordinal list. Index 0 is the reserved
	// "after header" slot; index 1 is always the root.
	numbering []*Domain
}

// New returns an empty DB containing only the root domain.
func New() *DB {
	db := &DB{
		region: region.New(),
		tree:   radix.New[*Domain](),
		zones:  radix.New[*Zone](),
	}
	db.root = newDomain(dname.Root, nil)
	db.root.IsExisting = false
	db.tree.Insert(dname.Root.Key(), db.root)

	// slot 0 is reserved, root takes slot 1.
	db.numbering = []*Domain{nil, db.root}
	db.root.Number = 1

	return db
}

// Region returns the DB's cleanup scope; call Region.Close() to release
// resources (e.g. NSEC3 caches) tied to this snapshot's lifetime.
func (db *DB) Region() *region.Region { return db.region }

// Root returns the tree root.
func (db *DB) Root() *Domain { return db.root }

// appendNumbering assigns d the next dense ordinal (append-at-tail).
func (db *DB) appendNumbering(d *Domain) {
	d.Number = len(db.numbering)
	db.numbering = append(db.numbering, d)
}

// Insert returns the domain for name, creating it and every missing
// ancestor if necessary.
func (db *DB) Insert(name *dname.Name) *Domain {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.insertLocked(name)
}

func (db *DB) insertLocked(name *dname.Name) *Domain {
	if d, ok := db.tree.Find(name.Key()); ok {
		return d
	}

	parent := db.insertLocked(parentOrRoot(name))
	d := newDomain(name, parent)
	db.tree.Insert(name.Key(), d)
	db.appendNumbering(d)

	if parent.children == nil {
		parent.children = make(map[string]*Domain)
	}
	parent.children[name.Label(0)] = d
	parent.updateWildcardMatchOnInsert(d)

	return d
}

func parentOrRoot(name *dname.Name) *dname.Name {
	if name.IsRoot() {
		return dname.Root
	}
	p := name.Parent()
	if p == nil {
		return dname.Root
	}
	return p
}

// Find returns the domain exactly matching name, or nil.
func (db *DB) Find(name *dname.Name) *Domain {
	db.mu.RLock()
	defer db.mu.RUnlock()
	d, _ := db.tree.Find(name.Key())
	return d
}

// Search implements the closest-encloser lookup: if name is present
// exactly, exact is that domain and closestEncloser is the same domain.
// Otherwise exact is nil and closestEncloser is the longest ancestor of
// name present in the tree (always at least the root).
func (db *DB) Search(name *dname.Name) (exact *Domain, closestEncloser *Domain) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if d, ok := db.tree.Find(name.Key()); ok {
		return d, d
	}

	_, predVal, ok := db.tree.Predecessor(name.Key())
	if !ok {
		return nil, db.root
	}
	predName := predVal.Name
	lcs := dname.LongestCommonSuffix(name, predName)

	// walk up from the predecessor's domain to the domain whose name is
	// exactly the longest common suffix; every ancestor along the way is
	// guaranteed present because Insert always creates ancestors.
	d := predVal
	for d.Parent != nil && d.Name.LabelCount() > lcs.LabelCount() {
		d = d.Parent
	}
	if d.Name.LabelCount() != lcs.LabelCount() {
		return nil, db.root
	}
	return nil, d
}

// Delete removes domain from the tree, cascading upward through ancestors
// that become reclaimable. The root is never removed.
func (db *DB) Delete(d *Domain) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for d != nil && d != db.root {
		if !db.canReclaim(d) {
			return nil
		}
		parent := d.Parent
		db.unlinkLocked(d)
		d = parent
	}
	return nil
}

// canReclaim reports whether d has no RRsets, no usage references and
// no descendants.
func (db *DB) canReclaim(d *Domain) bool {
	if d == db.root {
		return false
	}
	if len(d.rrsets) > 0 {
		return false
	}
	if d.Usage > 0 {
		return false
	}
	if len(d.children) > 0 {
		return false
	}
	return true
}

func (db *DB) unlinkLocked(d *Domain) {
	db.tree.Delete(d.Name.Key())
	db.swapToTailLocked(d)
	db.numbering = db.numbering[:len(db.numbering)-1]

	parent := d.Parent
	if parent != nil {
		delete(parent.children, d.Name.Label(0))
		if parent.WildcardChildClosestMatch == d {
			parent.recomputeWildcardMatch()
		}
	}
}

// swapToTailLocked swaps d's numbering slot with the current tail so the
// slice can shrink by one from the end, keeping numbers a dense
// permutation without renumbering the middle.
func (db *DB) swapToTailLocked(d *Domain) {
	tailIdx := len(db.numbering) - 1
	tail := db.numbering[tailIdx]
	if tail == d {
		return
	}
	myIdx := d.Number
	db.numbering[myIdx], db.numbering[tailIdx] = tail, d
	tail.Number = myIdx
	d.Number = tailIdx
}

// AddRRSet appends rrset to domain's RRset list, preserving insertion
// order, and marks is_existing on domain and every ancestor up to root.
func (db *DB) AddRRSet(d *Domain, rrset *RRSet) {
	db.mu.Lock()
	defer db.mu.Unlock()

	d.rrsets = append(d.rrsets, rrset)
	for n := d; n != nil; n = n.Parent {
		if n.IsExisting {
			break
		}
		n.IsExisting = true
	}
}

// FindRRSet returns the RRset of the given type belonging to zone at
// domain, or nil.
func (db *DB) FindRRSet(d *Domain, zone *Zone, rrtype uint16) *RRSet {
	for _, s := range d.rrsets {
		if s.Zone == zone && s.Type == rrtype {
			return s
		}
	}
	return nil
}

// FindAnyRRSet returns the first RRset belonging to zone at domain,
// regardless of type, or nil.
func (db *DB) FindAnyRRSet(d *Domain, zone *Zone) *RRSet {
	for _, s := range d.rrsets {
		if s.Zone == zone {
			return s
		}
	}
	return nil
}

// FindNonCNAMERRSet returns the first non-CNAME RRset belonging to zone at
// domain, or nil.
func (db *DB) FindNonCNAMERRSet(d *Domain, zone *Zone) *RRSet {
	for _, s := range d.rrsets {
		if s.Zone == zone && s.Type != dns.TypeCNAME {
			return s
		}
	}
	return nil
}

// FindZone climbs parents from domain until an SOA-bearing apex is found.
func (db *DB) FindZone(d *Domain) *Zone {
	for n := d; n != nil; n = n.Parent {
		if z := n.zoneDirect(); z != nil {
			return z
		}
	}
	return nil
}

// MakeZone registers apex as the apex of a new zone (or returns the
// existing one), indexing it by name for ZoneByName lookups.
func (db *DB) MakeZone(apex *Domain) *Zone {
	db.mu.Lock()
	defer db.mu.Unlock()

	if z, ok := db.zones.Find(apex.Name.Key()); ok {
		return z
	}
	z := &Zone{Apex: apex}
	apex.IsApex = true
	apex.zone = z
	db.zones.Insert(apex.Name.Key(), z)
	return z
}

// ZoneByName returns the zone whose apex exactly matches name.
func (db *DB) ZoneByName(name *dname.Name) (*Zone, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.zones.Find(name.Key())
}

// ZoneForQName walks name upward, stripping left labels, until an apex
// with a loaded SOA is found. Returns nil if no configured zone
// encloses name.
func (db *DB) ZoneForQName(name *dname.Name) *Zone {
	db.mu.RLock()
	defer db.mu.RUnlock()

	n := name
	for {
		if z, ok := db.zones.Find(n.Key()); ok && z.Loaded() {
			return z
		}
		if n.IsRoot() {
			return nil
		}
		n = parentOrRoot(n)
	}
}

// PredecessorDomain returns the domain whose key is the greatest key
// strictly less than name's, in full canonical tree order — the same
// "closest match" a predecessor search over the whole tree finds,
// independent of whether name itself is present (used by the nsec3
// package to walk backward in hash order, since base32hex encoding
// preserves the byte ordering of the underlying hash).
func (db *DB) PredecessorDomain(name *dname.Name) (*Domain, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, d, ok := db.tree.Predecessor(name.Key())
	return d, ok
}

// DomainBefore returns the domain immediately preceding d in canonical
// tree order.
func (db *DB) DomainBefore(d *Domain) (*Domain, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, prev, ok := db.tree.Predecessor(d.Name.Key())
	return prev, ok
}

// Count returns the number of domains in the tree, including the root.
func (db *DB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.numbering) - 1
}

// ByNumber returns the domain with the given dense ordinal, or nil.
func (db *DB) ByNumber(n int) *Domain {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if n <= 0 || n >= len(db.numbering) {
		return nil
	}
	return db.numbering[n]
}

// byNumberOrder returns every domain in dense ordinal order (slot 0 is
// the reserved header slot and is skipped), used by the on-disk writer so
// ordinals in the file match positions in the name table.
func (db *DB) byNumberOrder() []*Domain {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]*Domain(nil), db.numbering[1:]...)
}

// AllByCanonicalOrder returns every domain in the tree in ascending
// canonical order, used by NSEC3 precomputation and by full-zone (AXFR)
// serialization.
func (db *DB) AllByCanonicalOrder() []*Domain {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*Domain, 0, len(db.numbering)-1)
	var key []byte
	ok := true
	for {
		var d *Domain
		var k []byte
		if key == nil {
			k, d, ok = db.tree.Min()
		} else {
			k, d, ok = db.tree.Successor(key)
		}
		if !ok {
			break
		}
		out = append(out, d)
		key = k
	}
	return out
}
