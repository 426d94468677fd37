// Package nsec3 implements iterated-SHA1 NSEC3 owner hashing and the
// precomputed cover/exact pointers each authoritative domain carries for
// denial-of-existence proof assembly.
package nsec3

import (
	"crypto/sha1" //nolint:gosec // RFC 5155 mandates SHA1 for NSEC3 algorithm 1.
	"encoding/base32"
	"errors"
	"strings"

	"github.com/nsdcore/nsd/dname"
	"github.com/nsdcore/nsd/ndb"
)

// ErrIterationsTooHigh is returned when a zone's NSEC3PARAM iteration
// count exceeds MaxIterations.
var ErrIterationsTooHigh = errors.New("nsec3: iteration count exceeds maximum")

// base32HexNoPad is RFC 4648 base32hex without padding, lowercased on
// output (RFC 5155 owner-name encoding).
var base32HexNoPad = base32.HexEncoding.WithPadding(base32.NoPadding)

// Hash computes H(name) = iter(SHA1(name||salt), iterations): SHA1 is
// applied once to name||salt, then re-applied to prev||salt `iterations`
// more times (RFC 5155 §5 IH, total 1+iterations SHA1 applications).
func Hash(name *dname.Name, iterations uint16, salt []byte) []byte {
	h := sha1.New() //nolint:gosec
	h.Write(name.Wire())
	h.Write(salt)
	digest := h.Sum(nil)

	for i := uint16(0); i < iterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(salt)
		digest = h.Sum(nil)
	}
	return digest
}

// EncodeOwnerLabel renders a raw NSEC3 hash as its base32hex owner label.
func EncodeOwnerLabel(hash []byte) string {
	return strings.ToLower(base32HexNoPad.EncodeToString(hash))
}

// DecodeOwnerLabel parses a base32hex owner label back into raw hash
// bytes. Input case is irrelevant; base32hex is case-insensitive.
func DecodeOwnerLabel(label string) ([]byte, error) {
	return base32HexNoPad.DecodeString(strings.ToUpper(label))
}

// OwnerName builds the NSEC3 owner name for a given hash under apex:
// base32hex(hash) concatenated, label-wise, with the zone apex.
func OwnerName(hash []byte, apex *dname.Name) (*dname.Name, error) {
	return dname.Parse(EncodeOwnerLabel(hash) + "." + apex.Canonical())
}

// HashOwnerName computes H(name) and returns the NSEC3 owner name for it
// directly, the common case used throughout precomputation.
func HashOwnerName(name *dname.Name, apex *dname.Name, iterations uint16, salt []byte) (*dname.Name, error) {
	return OwnerName(Hash(name, iterations, salt), apex)
}

// ValidateIterations enforces the 0x7fffff ceiling.
func ValidateIterations(iterations uint32) error {
	if iterations > ndb.MaxIterations {
		return ErrIterationsTooHigh
	}
	return nil
}
