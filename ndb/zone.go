package ndb

import "sync/atomic"

// NSEC3Params mirrors the parameters read from the apex NSEC3PARAM-style
// RR: algorithm (always 1, SHA1), flags, iteration count and salt. The
// hashing itself lives in the nsec3 package; ndb only stores the data.
type NSEC3Params struct {
	Algorithm  uint8
	Flags      uint8
	Iterations uint16
	Salt       []byte
}

// MaxIterations is the largest NSEC3 iteration count accepted; a zone with
// a higher value is rejected rather than loaded.
const MaxIterations = 0x7fffff

// Zone indexes one authoritative zone by its apex domain.
type Zone struct {
	Apex *Domain
	SOA  *RRSet
	NS   *RRSet

	IsSecure    bool
	NSEC3Params *NSEC3Params

	// NSEC3Last is the NSEC3 owner domain with the largest hash in the
	// zone, used to wrap cover lookups around the end of the hash ring.
	NSEC3Last *Domain

	// expired is set when the zone's transfer coordinator reports the
	// expire window has passed with no reachable master; the resolver
	// stops answering authoritatively for it until a fresh transfer
	// lands.
	expired atomic.Bool
}

// SetExpired flips the zone in or out of the expired state.
func (z *Zone) SetExpired(v bool) { z.expired.Store(v) }

// Expired reports whether the zone has outlived its expire window.
func (z *Zone) Expired() bool { return z.expired.Load() }

// Loaded reports whether the zone has a required SOA RRset.
func (z *Zone) Loaded() bool {
	return z.SOA != nil
}

// Name returns the zone apex's canonical name.
func (z *Zone) Name() string {
	if z.Apex == nil {
		return ""
	}
	return z.Apex.Name.Canonical()
}
