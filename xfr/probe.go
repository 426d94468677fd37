package xfr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ErrSerialRegression is returned when a reply's SOA serial is not newer
// than the serial already held on disk.
var ErrSerialRegression = errors.New("xfr: serial regression")

// Outcome is the result of one probe attempt, consumed by the
// Coordinator to drive the Zone state machine.
type Outcome struct {
	// UpToDate is set when the master replied with exactly one SOA at
	// or behind the serial already held on disk.
	UpToDate bool

	// NewSerial is the stream's terminal serial when a transfer was
	// applied.
	NewSerial uint32

	// Added/Removed are the RRs to apply, in the order received. For
	// AXFR, Removed is empty and Added is the entire new zone content
	// (minus the terminal SOA duplicate). For IXFR, both carry the
	// accumulated delete/add sections across every delta in the stream.
	Added   []dns.RR
	Removed []dns.RR

	// IsAXFR distinguishes an AXFR response (second RR is not SOA) from
	// an IXFR delta stream, since AXFR replaces the zone wholesale.
	IsAXFR bool

	// NewSOA is the transfer's terminal SOA record in full (Refresh/
	// Retry/Expire included), captured separately from foldEnvelope's
	// Added/Removed sets since the boundary SOA itself is never folded
	// into either one.
	NewSOA *dns.SOA
}

// Prober issues IXFR-over-UDP probes with TCP/AXFR fallback. The UDP
// probe wraps miekg/dns's dns.Client; the TCP transfer path reads the
// 2-byte-length-prefixed message stream itself so that every message's
// raw bytes can be checked by a StreamVerifier before any of its RRs are
// consumed.
type Prober struct {
	udp     *dns.Client
	timeout time.Duration
}

// NewProber returns a Prober with the given per-operation timeout applied
// to the UDP probe client and to each TCP transfer's dial/read deadline.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		timeout: timeout,
	}
}

// ProbeUDP sends a single IXFR query over UDP with currentSOA in the
// Authority section and classifies the reply. needTCP is true when the
// caller must retry over TCP (truncated, or
// fewer than two records in the answer). A keyed master's query is
// TSIG-signed and its reply TSIG-verified by the client itself.
func (p *Prober) ProbeUDP(zoneName, master string, currentSOA *dns.SOA, key *TSIGKey) (outcome *Outcome, needTCP bool, err error) {
	m := new(dns.Msg)
	m.SetQuestion(zoneName, dns.TypeIXFR)
	m.Ns = []dns.RR{currentSOA}

	client := p.udp
	if key != nil {
		signed := *p.udp
		signed.TsigSecret = map[string]string{key.Name: key.Secret}
		client = &signed
		m.SetTsig(key.Name, key.Algorithm, 300, time.Now().Unix())
	}

	reply, _, err := client.Exchange(m, master)
	if err != nil {
		return nil, false, fmt.Errorf("xfr: ixfr udp exchange: %w", err)
	}
	if reply.Id != m.Id || reply.Rcode != dns.RcodeSuccess {
		return nil, false, fmt.Errorf("xfr: ixfr udp reply id=%d rcode=%d", reply.Id, reply.Rcode)
	}

	if reply.Truncated || len(reply.Answer) < 2 {
		if len(reply.Answer) == 1 {
			soa, ok := reply.Answer[0].(*dns.SOA)
			if ok && !SerialGreater(soa.Serial, currentSOA.Serial) {
				return &Outcome{UpToDate: true}, false, nil
			}
		}
		return nil, true, nil
	}

	soa, ok := reply.Answer[0].(*dns.SOA)
	if !ok {
		return nil, true, nil
	}

	// A real delta/AXFR arrived in a single UDP packet; classify and
	// fold it the same way the TCP streaming path does.
	isAXFR := !isSOA(reply.Answer[1])
	added, removed, newSerial, err := foldEnvelope(reply.Answer, isAXFR, currentSOA.Serial)
	if err != nil {
		return nil, false, err
	}
	return &Outcome{NewSerial: newSerial, Added: added, Removed: removed, IsAXFR: isAXFR, NewSOA: soa}, false, nil
}

// ProbeTCP opens a TCP AXFR or IXFR to master and reads the reply stream
// message by message. Each complete message is verified against the
// stream's TSIG state before its RRs are consumed; RRs accumulate until
// the terminal SOA closes the stream, then the whole sequence is folded.
// A nil currentSOA forces AXFR (no valid on-disk SOA to delta from).
func (p *Prober) ProbeTCP(ctx context.Context, zoneName, master string, currentSOA *dns.SOA, axfrOnly bool, key *TSIGKey) (*Outcome, error) {
	m := new(dns.Msg)
	if axfrOnly || currentSOA == nil {
		m.SetAxfr(zoneName)
	} else {
		m.SetIxfr(zoneName, currentSOA.Serial, currentSOA.Ns, currentSOA.Mbox)
	}

	verifier := NewStreamVerifier(key)
	var query []byte
	var err error
	if key != nil {
		m.SetTsig(key.Name, key.Algorithm, 300, time.Now().Unix())
		var mac string
		query, mac, err = dns.TsigGenerate(m, key.Secret, "", false)
		if err != nil {
			return nil, fmt.Errorf("xfr: tsig sign query: %w", err)
		}
		verifier.SetRequestMAC(mac)
	} else {
		query, err = m.Pack()
		if err != nil {
			return nil, fmt.Errorf("xfr: pack query: %w", err)
		}
	}

	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", master)
	if err != nil {
		return nil, fmt.Errorf("xfr: dial %s: %w", master, err)
	}
	defer conn.Close()

	if err := writeTCPMessage(conn, query, p.timeout); err != nil {
		return nil, fmt.Errorf("xfr: send query to %s: %w", master, err)
	}

	var all []dns.RR
	var oldSerial uint32
	if currentSOA != nil {
		oldSerial = currentSOA.Serial
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		raw, err := readTCPMessage(conn, p.timeout)
		if err != nil {
			return nil, fmt.Errorf("xfr: read from %s: %w", master, err)
		}

		reply := new(dns.Msg)
		if err := reply.Unpack(raw); err != nil {
			return nil, fmt.Errorf("xfr: unpack reply: %w", err)
		}
		if err := verifier.VerifyPacket(raw, reply); err != nil {
			return nil, err
		}
		if reply.Id != m.Id || reply.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("xfr: transfer reply id=%d rcode=%d", reply.Id, reply.Rcode)
		}
		if len(reply.Answer) == 0 {
			return nil, errors.New("xfr: empty transfer message")
		}

		all = append(all, reply.Answer...)
		if streamComplete(all) {
			break
		}
	}

	isAXFR := axfrOnly || currentSOA == nil || !isSOA(secondOrNil(all))
	added, removed, newSerial, err := foldEnvelope(all, isAXFR, oldSerial)
	if err != nil {
		return nil, err
	}
	newSOA, _ := all[0].(*dns.SOA)
	return &Outcome{NewSerial: newSerial, Added: added, Removed: removed, IsAXFR: isAXFR, NewSOA: newSOA}, nil
}

func writeTCPMessage(conn net.Conn, msg []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(msg)))
	if _, err := conn.Write(length[:]); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

func readTCPMessage(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// streamComplete reports whether the RR sequence collected so far ends a
// transfer: for AXFR, a second occurrence of the opening SOA's serial;
// for IXFR, an opening-serial SOA seen where the next delta's delete
// section would otherwise begin.
func streamComplete(rrs []dns.RR) bool {
	if len(rrs) < 2 {
		return false
	}
	first, ok := rrs[0].(*dns.SOA)
	if !ok {
		// Malformed; let foldEnvelope report it rather than spin.
		return true
	}

	if !isSOA(rrs[1]) {
		// AXFR: done at the duplicate of the opening SOA.
		for _, rr := range rrs[1:] {
			if soa, ok := rr.(*dns.SOA); ok && soa.Serial == first.Serial {
				return true
			}
		}
		return false
	}

	// IXFR: boundary SOAs alternate delete/add section starts. The
	// terminal SOA carries the new serial and sits where a delete
	// boundary would go.
	boundaries := 0
	for _, rr := range rrs[1:] {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		if boundaries%2 == 0 && soa.Serial == first.Serial {
			return true
		}
		boundaries++
	}
	return false
}

func secondOrNil(rrs []dns.RR) dns.RR {
	if len(rrs) < 2 {
		return nil
	}
	return rrs[1]
}

func isSOA(rr dns.RR) bool {
	if rr == nil {
		return false
	}
	_, ok := rr.(*dns.SOA)
	return ok
}

// foldEnvelope walks a full AXFR RR sequence, or an IXFR sequence of
// (oldSOA delete... newSOA add...)+ deltas, into one Added/Removed set
// plus the terminal serial: "the second SOA with the new serial signals
// the midpoint of an IXFR delete section, the third boundary signals the
// next add section, and a final SOA with the new serial terminates."
// Multi-delta streams (intermediate serials between old and new) fold the
// same way, each boundary SOA alternating delete/add.
func foldEnvelope(rrs []dns.RR, isAXFR bool, oldSerial uint32) (added, removed []dns.RR, newSerial uint32, err error) {
	if len(rrs) == 0 {
		return nil, nil, 0, errors.New("xfr: empty envelope")
	}
	firstSOA, ok := rrs[0].(*dns.SOA)
	if !ok {
		return nil, nil, 0, errors.New("xfr: envelope does not start with SOA")
	}
	newSerial = firstSOA.Serial
	if !SerialGreater(newSerial, oldSerial) {
		return nil, nil, 0, ErrSerialRegression
	}

	if isAXFR {
		// Whole new zone content; the final record duplicates the
		// opening SOA and is dropped.
		body := rrs[1:]
		if len(body) > 0 {
			if last, ok := body[len(body)-1].(*dns.SOA); ok && last.Serial == newSerial {
				body = body[:len(body)-1]
			}
		}
		return body, nil, newSerial, nil
	}

	// IXFR: rrs[0] = new SOA (per RFC 1995 the stream leads with the
	// *new* serial), then alternating delete/add sections, each opened
	// by a boundary SOA, until a final new-serial SOA in delete-boundary
	// position with nothing after it.
	boundaries := 0
	inDelete := false
	for _, rr := range rrs[1:] {
		if soa, ok := rr.(*dns.SOA); ok {
			if boundaries%2 == 0 && soa.Serial == newSerial {
				// terminal SOA
				inDelete = false
				continue
			}
			boundaries++
			inDelete = boundaries%2 == 1
			continue
		}
		if inDelete {
			removed = append(removed, rr)
		} else {
			added = append(added, rr)
		}
	}
	return added, removed, newSerial, nil
}
