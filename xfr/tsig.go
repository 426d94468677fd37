package xfr

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// TSIGMaxUnsigned is how many consecutive unsigned messages a transfer
// stream may carry between TSIG records (RFC 8945 permits up to 99;
// NSD-family servers have historically tolerated a few more).
const TSIGMaxUnsigned = 103

// ErrTSIGRequired is returned when a master has a configured key but a
// reply in the stream doesn't carry TSIG often enough.
var ErrTSIGRequired = errors.New("xfr: TSIG required but missing")

// TSIGKey names the key material used to sign/verify one master's
// replies.
type TSIGKey struct {
	Name      string // fully-qualified key name, e.g. "example-key."
	Algorithm string // dns.HmacSHA1 / dns.HmacSHA256
	Secret    string // base64, as miekg/dns expects in its secret maps
}

// StreamVerifier tracks the running TSIG state across a multi-message
// AXFR/IXFR-over-TCP stream: the running MAC is rebased on each verified
// TSIG and unsigned packets are counted between them. The first reply
// in a stream from a keyed master must carry TSIG; after that, up to
// TSIGMaxUnsigned further packets may go unsigned before another TSIG is
// required.
type StreamVerifier struct {
	key *TSIGKey

	requestMAC      string
	sinceLastVerify int
	verifiedOnce    bool
}

// NewStreamVerifier returns a verifier for a stream from a master whose
// key is key (nil if the master is unauthenticated, in which case every
// method is a no-op that always succeeds).
func NewStreamVerifier(key *TSIGKey) *StreamVerifier {
	return &StreamVerifier{key: key}
}

// Required reports whether this stream must carry TSIG at all.
func (v *StreamVerifier) Required() bool { return v.key != nil }

// SetRequestMAC seeds the running hash with the MAC of the signed
// request that opened the stream, so the first reply verifies against it.
func (v *StreamVerifier) SetRequestMAC(mac string) { v.requestMAC = mac }

// VerifyPacket checks one packet's TSIG state. raw is the packet's wire
// bytes (as received, including any TSIG RR) and msg is the same packet
// already unpacked, used to tell whether it carries a TSIG RR at all.
// Every verified TSIG resets the running-unsigned counter and rebases
// requestMAC for the next packet's verification.
func (v *StreamVerifier) VerifyPacket(raw []byte, msg *dns.Msg) error {
	if v.key == nil {
		return nil
	}

	tsigRR := findTSIG(msg)
	if tsigRR == nil {
		if !v.verifiedOnce {
			return ErrTSIGRequired
		}
		v.sinceLastVerify++
		if v.sinceLastVerify > TSIGMaxUnsigned {
			return ErrTSIGRequired
		}
		return nil
	}

	if err := dns.TsigVerify(raw, v.key.Secret, v.requestMAC, false); err != nil {
		return fmt.Errorf("xfr: tsig verify: %w", err)
	}

	v.requestMAC = tsigRR.MAC
	v.verifiedOnce = true
	v.sinceLastVerify = 0
	return nil
}

func findTSIG(msg *dns.Msg) *dns.TSIG {
	for _, rr := range msg.Extra {
		if t, ok := rr.(*dns.TSIG); ok {
			return t
		}
	}
	return nil
}
