package ndb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/miekg/dns"
	"github.com/nsdcore/nsd/dname"
)

// diskMagic is the fixed 8-byte magic plus version stamp: `"<magic>V06"`.
// nsdcore picks its own 5-byte product tag so the file isn't mistaken
// for a database from some other authoritative server, keeping the
// 8-byte-plus-version shape.
const diskMagic = "NSDCOREV06"

// ErrBadMagic is returned by ReadDisk when the file doesn't start with
// diskMagic.
var ErrBadMagic = errors.New("ndb: bad on-disk database magic")

// diskRecord is the wire shape of one persisted RRset: domain ordinal,
// zone ordinal, type, class, ttl, rr count, then the rrs themselves.
// RDATA is stored as each RR's presentation-format text rather than a
// hand-rolled ordinal-substituted wire encoding: every RR is re-parsed
// with dns.NewRR on load, which already resolves compressed/uncompressed
// names the same way the wire decoder would, without this package
// duplicating miekg/dns's RDATA parser. Domain name *references* at the
// record level (which domain, which zone) are still ordinals; only the
// leaf RDATA encoding deviates from raw wire bytes.
type diskRecord struct {
	domainOrdinal uint32
	zoneOrdinal   uint32
	rrtype        uint16
	class         uint16
	ttl           uint32
	rrs           []string
}

// WriteDisk serializes db in the packed on-disk format. Zones are
// written in the order returned by Zones(); domains in index (dense
// ordinal) order, so a reader can rebuild the ordinal→domain mapping
// positionally without depending on its own insertion numbering.
func WriteDisk(w io.Writer, db *DB) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(diskMagic); err != nil {
		return err
	}

	zones := db.Zones()
	if err := writeU32(bw, uint32(len(zones))); err != nil {
		return err
	}
	zoneIndex := make(map[*Zone]uint32, len(zones))
	for i, z := range zones {
		zoneIndex[z] = uint32(i)
		if err := writeName(bw, z.Apex.Name); err != nil {
			return err
		}
	}

	domains := db.byNumberOrder()
	if err := writeU32(bw, uint32(len(domains))); err != nil {
		return err
	}
	for _, d := range domains {
		if err := writeName(bw, d.Name); err != nil {
			return err
		}
	}

	for _, d := range domains {
		for _, rrset := range d.rrsets {
			rec := diskRecord{
				domainOrdinal: uint32(d.Number),
				zoneOrdinal:   zoneIndex[rrset.Zone],
				rrtype:        rrset.Type,
				class:         rrset.Class,
				ttl:           rrset.TTL,
			}
			for _, rr := range rrset.RRs {
				rec.rrs = append(rec.rrs, rr.String())
			}
			if err := writeRecord(bw, rec); err != nil {
				return err
			}
		}
	}

	// terminator
	if err := writeU32(bw, 0); err != nil {
		return err
	}

	return bw.Flush()
}

// ReadDisk deserializes a packed database written by WriteDisk into a
// fresh DB. Zone apexes are created and marked first so that RRset
// records referencing them by ordinal resolve correctly regardless of
// record order.
func ReadDisk(r io.Reader) (*DB, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(diskMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("ndb: read magic: %w", err)
	}
	if string(magic) != diskMagic {
		return nil, ErrBadMagic
	}

	db := New()

	zoneCount, err := readU32(br)
	if err != nil {
		return nil, err
	}
	zonesByOrdinal := make([]*Zone, zoneCount)
	for i := range zonesByOrdinal {
		name, err := readName(br)
		if err != nil {
			return nil, err
		}
		apex := db.Insert(name)
		zonesByOrdinal[i] = db.MakeZone(apex)
	}

	domainCount, err := readU32(br)
	if err != nil {
		return nil, err
	}
	// Names arrive in the writer's index order, so the i-th name carries
	// ordinal i+1 in the records that follow regardless of what dense
	// number this DB's own insertion happens to assign it.
	domainsByOrdinal := make(map[uint32]*Domain, domainCount)
	for i := uint32(0); i < domainCount; i++ {
		name, err := readName(br)
		if err != nil {
			return nil, err
		}
		domainsByOrdinal[i+1] = db.Insert(name)
	}

	for {
		count, err := readU32(br)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			break
		}
		rec, err := readRecordBody(br, count)
		if err != nil {
			return nil, err
		}

		d, ok := domainsByOrdinal[rec.domainOrdinal]
		if !ok {
			return nil, fmt.Errorf("ndb: unknown domain ordinal %d", rec.domainOrdinal)
		}
		if int(rec.zoneOrdinal) >= len(zonesByOrdinal) {
			return nil, fmt.Errorf("ndb: unknown zone ordinal %d", rec.zoneOrdinal)
		}
		zone := zonesByOrdinal[rec.zoneOrdinal]

		rrs := make([]dns.RR, 0, len(rec.rrs))
		for _, text := range rec.rrs {
			rr, err := dns.NewRR(text)
			if err != nil {
				return nil, fmt.Errorf("ndb: parse rr %q: %w", text, err)
			}
			rrs = append(rrs, rr)
		}
		rrset := NewRRSet(zone, rec.rrtype, rec.ttl, rrs)
		rrset.Class = rec.class
		db.AddRRSet(d, rrset)

		if rec.rrtype == dns.TypeSOA {
			zone.SOA = rrset
		}
		if rec.rrtype == dns.TypeNS && d == zone.Apex {
			zone.NS = rrset
		}
	}

	return db, nil
}

// Zones returns every registered zone in apex-ordinal-independent but
// stable order (insertion order into the zone radix tree's in-order
// walk), used by WriteDisk so zoneOrdinal is reproducible.
func (db *DB) Zones() []*Zone {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*Zone
	var key []byte
	for {
		var z *Zone
		var k []byte
		var ok bool
		if key == nil {
			k, z, ok = db.zones.Min()
		} else {
			k, z, ok = db.zones.Successor(key)
		}
		if !ok {
			break
		}
		out = append(out, z)
		key = k
	}
	return out
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeName(w io.Writer, n *dname.Name) error {
	wire := n.Wire()
	if err := writeU32(w, uint32(len(wire))); err != nil {
		return err
	}
	_, err := w.Write(wire)
	return err
}

func readName(r io.Reader) (*dname.Name, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	name, _, err := dns.UnpackDomainName(buf, 0)
	if err != nil {
		return nil, err
	}
	return dname.Parse(name)
}

func writeRecord(w io.Writer, rec diskRecord) error {
	if err := writeU32(w, uint32(len(rec.rrs))); err != nil {
		return err
	}
	if err := writeU32(w, rec.domainOrdinal); err != nil {
		return err
	}
	if err := writeU32(w, rec.zoneOrdinal); err != nil {
		return err
	}
	if err := writeU16(w, rec.rrtype); err != nil {
		return err
	}
	if err := writeU16(w, rec.class); err != nil {
		return err
	}
	if err := writeU32(w, rec.ttl); err != nil {
		return err
	}
	for _, text := range rec.rrs {
		if err := writeU32(w, uint32(len(text))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
	}
	return nil
}

// readRecordBody reads the remainder of a record whose leading rr_count
// word has already been consumed as count.
func readRecordBody(r io.Reader, count uint32) (diskRecord, error) {
	var rec diskRecord
	var err error
	if rec.domainOrdinal, err = readU32(r); err != nil {
		return rec, err
	}
	if rec.zoneOrdinal, err = readU32(r); err != nil {
		return rec, err
	}
	if rec.rrtype, err = readU16(r); err != nil {
		return rec, err
	}
	if rec.class, err = readU16(r); err != nil {
		return rec, err
	}
	if rec.ttl, err = readU32(r); err != nil {
		return rec, err
	}
	rec.rrs = make([]string, count)
	for i := uint32(0); i < count; i++ {
		n, err := readU32(r)
		if err != nil {
			return rec, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return rec, err
		}
		rec.rrs[i] = string(buf)
	}
	return rec, nil
}
