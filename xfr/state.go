package xfr

import (
	"math/rand"
	"time"
)

// State is one of the three XFR coordinator states.
type State int

const (
	StateOK State = iota
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IOIntent tells the coordinator's event loop what to do as a result of
// a state transition, keeping the loop a thin driver with no per-zone
// branching. Each transition below is modeled as its own typed method
// (OnLoad, OnRefreshTimer, ...) rather than one method keyed by an event
// enum, since Go's per-event payloads (a serial here, a notifier address
// there) are awkward to carry through a single interface{} event value;
// the event loop still just calls whichever method matches what just
// happened and acts on the returned IOIntent.
type IOIntent int

const (
	IONone IOIntent = iota
	IOProbe
	IOSendNotify
)

// TransferTimeout is the base refresh deadline used while no on-disk SOA
// has ever been acquired.
const TransferTimeout = 10 * time.Second

// Zone is one zone's XFR state machine: state, master cursor, round,
// the three SOA serials it tracks, and timers.
type Zone struct {
	Name string

	State State

	// Refresh/Retry/Expire are seconds taken from the zone's current SOA
	// RRset (soa.Refresh/Retry/Expire).
	Refresh uint32
	Retry   uint32
	Expire  uint32

	// SOADiskSerial/SOADiskAcquired are the last durably committed
	// serial and the time it was acquired; SOADiskAcquired is the zero
	// Time if none has ever been written.
	SOADiskSerial   uint32
	SOADiskAcquired time.Time

	// SOANSDSerial is the serial the serving snapshot last reported
	// live via IPC.
	SOANSDSerial uint32

	// PendingNotifiedSerial is non-nil while a NOTIFY promised a serial
	// this zone hasn't caught up to yet.
	PendingNotifiedSerial *uint32

	// PendingNotify coalesces a NOTIFY that arrives from an
	// already-listed master while a round for that master's notify is
	// still outstanding.
	PendingNotify bool

	Masters *MasterCycle

	rand *rand.Rand
}

// NewZone returns a Zone in StateExpired with no SOA acquired yet, ready
// for OnLoad once the first transfer completes.
func NewZone(name string, masters []string, seed int64) *Zone {
	return &Zone{
		Name:    name,
		State:   StateExpired,
		Masters: NewMasterCycle(masters),
		rand:    rand.New(rand.NewSource(seed)), //nolint:gosec // jitter only, not security sensitive
	}
}

// OnLoad transitions to StateOK after a valid SOA is loaded (from initial
// zone-file load or a completed transfer applied via IPC), scheduling the
// next refresh.
func (z *Zone) OnLoad(now time.Time, serial, refresh, retry, expire uint32) (State, time.Time) {
	z.State = StateOK
	z.SOADiskSerial = serial
	z.SOADiskAcquired = now
	z.Refresh, z.Retry, z.Expire = refresh, retry, expire
	z.Masters.ResetRounds()
	if z.PendingNotifiedSerial != nil && !SerialGreater(*z.PendingNotifiedSerial, serial) {
		z.PendingNotifiedSerial = nil
		z.PendingNotify = false
	}
	return z.State, z.nextRefreshDeadline(now)
}

// OnRefreshTimer fires when the scheduled refresh deadline elapses while
// StateOK, moving to StateRefreshing and requesting a probe.
func (z *Zone) OnRefreshTimer(now time.Time) (State, time.Time, IOIntent) {
	z.State = StateRefreshing
	return z.State, now, IOProbe
}

// OnProbeApplied fires once a transfer's new serial has been committed to
// the difflog and the reload swap is complete: returns to StateOK,
// schedules the next refresh, and asks the caller to send NOTIFY to this
// zone's downstream ACL.
func (z *Zone) OnProbeApplied(now time.Time, newSerial, refresh, retry, expire uint32) (State, time.Time, IOIntent) {
	z.State = StateOK
	z.SOADiskSerial = newSerial
	z.SOADiskAcquired = now
	z.Refresh, z.Retry, z.Expire = refresh, retry, expire
	z.Masters.ResetRounds()
	if z.PendingNotifiedSerial != nil && !SerialGreater(*z.PendingNotifiedSerial, newSerial) {
		z.PendingNotifiedSerial = nil
		z.PendingNotify = false
	}
	return z.State, z.nextRefreshDeadline(now), IOSendNotify
}

// OnProbeUpToDate fires when a probe's reply proves the master has
// nothing newer: clears any pending NOTIFY obligation that's now
// satisfied and returns to StateOK without sending NOTIFY.
func (z *Zone) OnProbeUpToDate(now time.Time) (State, time.Time, IOIntent) {
	z.State = StateOK
	z.Masters.ResetRounds()
	if z.PendingNotifiedSerial != nil && !SerialGreater(*z.PendingNotifiedSerial, z.SOADiskSerial) {
		z.PendingNotifiedSerial = nil
		z.PendingNotify = false
	}
	return z.State, z.nextRefreshDeadline(now), IONone
}

// OnProbeFailed fires on any recoverable probe error: bad TSIG, network
// error, serial regression, wrong master. The master cursor has already
// been advanced by the caller (xfr.Coordinator owns that, since it also
// needs to decide whether to keep trying this round or sleep a full
// retry once the rounds are exhausted). This method only decides
// expired-vs-refreshing and the next deadline.
func (z *Zone) OnProbeFailed(now time.Time) (State, time.Time, IOIntent) {
	if z.expired(now) {
		z.State = StateExpired
	}
	intent := IOProbe
	var deadline time.Time
	if z.Masters.ExhaustedRounds() {
		// All rounds exhausted: sleep a full retry interval rather
		// than hot-loop.
		deadline = now.Add(z.retryInterval())
		intent = IONone
	} else {
		deadline = now
	}
	return z.State, deadline, intent
}

// OnNotifyReceived fires when a NOTIFY arrives carrying notifiedSerial.
// If it's newer than the on-disk serial, jump the master cursor there and probe
// immediately; otherwise it's a duplicate/stale NOTIFY and is ignored.
func (z *Zone) OnNotifyReceived(now time.Time, from string, notifiedSerial uint32) (State, time.Time, IOIntent) {
	if !SerialGreater(notifiedSerial, z.SOADiskSerial) {
		return z.State, time.Time{}, IONone
	}
	if z.PendingNotify && z.PendingNotifiedSerial != nil && !SerialGreater(notifiedSerial, *z.PendingNotifiedSerial) {
		// A probe round for this notify (or a newer one) is already
		// outstanding; coalesce instead of starting a second one.
		return z.State, time.Time{}, IONone
	}
	serial := notifiedSerial
	z.PendingNotifiedSerial = &serial
	z.PendingNotify = true
	z.Masters.NotifyJump(from)
	z.State = StateRefreshing
	return z.State, now, IOProbe
}

// expired reports whether the zone has passed its expire deadline.
func (z *Zone) expired(now time.Time) bool {
	if z.SOADiskAcquired.IsZero() {
		return false
	}
	return now.After(z.SOADiskAcquired.Add(time.Duration(z.Expire) * time.Second))
}

// nextRefreshDeadline schedules the next refresh off the time the
// on-disk SOA was acquired, clamped to [1s, expire].
func (z *Zone) nextRefreshDeadline(now time.Time) time.Time {
	if z.SOADiskAcquired.IsZero() {
		return now.Add(TransferTimeout + z.jitterUp(10*time.Second))
	}
	secs := z.Refresh
	if z.Expire < secs {
		secs = z.Expire
	}
	if secs < 1 {
		secs = 1
	}
	return z.SOADiskAcquired.Add(time.Duration(secs) * time.Second)
}

// retryInterval returns the Retry nominal interval minus up to 10%
// jitter, so a fleet of secondaries sharing a master does not retry in
// lockstep.
func (z *Zone) retryInterval() time.Duration {
	nominal := time.Duration(z.Retry) * time.Second
	if nominal <= 0 {
		nominal = TransferTimeout
	}
	return nominal - z.jitterDown(nominal/10)
}

func (z *Zone) jitterUp(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(z.rand.Int63n(int64(max) + 1))
}

func (z *Zone) jitterDown(max time.Duration) time.Duration {
	return z.jitterUp(max)
}
