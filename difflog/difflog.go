// Package difflog implements the append-only on-disk difference log:
// one record per received IXFR/AXFR part plus a commit marker, written
// by the xfr package and never mutated in place. The xfr coordinator
// does not itself mutate the served NDB; it appends here and then asks
// for a reload, so a crash between "transfer received" and "reload
// applied" always has a durable record to resume from.
//
// Record framing uses small binary encoders in the same style as the
// rest of the core, and google/uuid for part identifiers.
package difflog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Writer methods after Close.
var ErrClosed = errors.New("difflog: writer closed")

// Part is one difflog record: either an in-progress IXFR/AXFR part or the
// commit marker that closes out a transfer.
type Part struct {
	Zone      string
	OldSerial uint32
	NewSerial uint32
	XID       string // uuid, identifies the whole transfer across its parts
	PartSeq   uint32
	Committed bool
	Note      string
}

// NewXID returns a fresh transfer identifier, used once per AXFR/IXFR
// attempt and shared across all of that attempt's Part records.
func NewXID() string { return uuid.NewString() }

// Writer appends Part records to a single difflog file. Safe for
// concurrent use by multiple zones' XFR goroutines.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	closed bool
}

// Open opens (creating if necessary) the difflog file at path for
// appending.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("difflog: open %s: %w", path, err)
	}
	return &Writer{f: f, bw: bufio.NewWriter(f)}, nil
}

// AppendPart durably appends p: each record is flushed and fsynced
// individually so a commit marker is never lost to a buffered write that
// outlives a crash.
func (w *Writer) AppendPart(p Part) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := encodePart(w.bw, p); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Commit appends the terminal, Committed=true record for a transfer,
// signaling that newSerial is now the durable serial for zone.
func (w *Writer) Commit(zone string, oldSerial, newSerial uint32, xid string, partSeq uint32) error {
	return w.AppendPart(Part{
		Zone:      zone,
		OldSerial: oldSerial,
		NewSerial: newSerial,
		XID:       xid,
		PartSeq:   partSeq,
		Committed: true,
	})
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader replays a difflog file in append order, used at startup to find
// the last committed serial per zone if a reload was interrupted, and by
// tests to verify the persistence contract of property 7.
type Reader struct {
	br *bufio.Reader
	f  *os.File
}

// OpenReader opens path for sequential replay.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("difflog: open reader %s: %w", path, err)
	}
	return &Reader{br: bufio.NewReader(f), f: f}, nil
}

// Next returns the next Part record, or io.EOF at the end of the log.
func (r *Reader) Next() (Part, error) {
	return decodePart(r.br)
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// LastCommit replays the entire log and returns the most recent
// Committed record for zone, if any.
func LastCommit(path, zone string) (Part, bool, error) {
	r, err := OpenReader(path)
	if os.IsNotExist(err) {
		return Part{}, false, nil
	}
	if err != nil {
		return Part{}, false, err
	}
	defer r.Close()

	var last Part
	found := false
	for {
		p, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Part{}, false, err
		}
		if p.Zone == zone && p.Committed {
			last = p
			found = true
		}
	}
	return last, found, nil
}

func encodePart(w io.Writer, p Part) error {
	if err := writeString(w, p.Zone); err != nil {
		return err
	}
	if err := writeU32(w, p.OldSerial); err != nil {
		return err
	}
	if err := writeU32(w, p.NewSerial); err != nil {
		return err
	}
	if err := writeString(w, p.XID); err != nil {
		return err
	}
	if err := writeU32(w, p.PartSeq); err != nil {
		return err
	}
	var committed byte
	if p.Committed {
		committed = 1
	}
	if _, err := w.Write([]byte{committed}); err != nil {
		return err
	}
	return writeString(w, p.Note)
}

func decodePart(r io.Reader) (Part, error) {
	var p Part
	var err error
	if p.Zone, err = readString(r); err != nil {
		return Part{}, err
	}
	if p.OldSerial, err = readU32(r); err != nil {
		return Part{}, err
	}
	if p.NewSerial, err = readU32(r); err != nil {
		return Part{}, err
	}
	if p.XID, err = readString(r); err != nil {
		return Part{}, err
	}
	if p.PartSeq, err = readU32(r); err != nil {
		return Part{}, err
	}
	var committed [1]byte
	if _, err := io.ReadFull(r, committed[:]); err != nil {
		return Part{}, err
	}
	p.Committed = committed[0] == 1
	if p.Note, err = readString(r); err != nil {
		return Part{}, err
	}
	return p, nil
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

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
