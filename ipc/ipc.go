// Package ipc implements the task queue between the XFR coordinator (and
// the control channel) and the process(es) serving queries: workers swap
// to a freshly built NDB snapshot atomically on an IPC signal.
//
// A forking authoritative server talks to worker processes over a pipe;
// this Go rewrite runs one process with the coordinator and query workers
// as goroutines sharing memory; ipc.Queue is the channel-based stand-in
// for that pipe, kept as an explicit boundary so the coordinator still
// never reaches into a worker's NDB pointer directly — every handoff goes
// through a Task, passed as an explicit value rather than reached through
// a package-global.
package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nsdcore/nsd/ndb"
)

// reloadCoalesceWait bounds how long a coalesced caller waits on another
// caller's in-flight reload; a stuck reload must not wedge every caller
// queued behind it forever.
const reloadCoalesceWait = 30 * time.Second

// Kind identifies a Task's operation.
type Kind int

const (
	// AddZone requests a new zone be created and scheduled for initial
	// transfer.
	AddZone Kind = iota
	// DelZone requests a zone be removed from service.
	DelZone
	// Reload requests the currently-loading NDB snapshot be swapped in
	// as the live snapshot, once the reloader goroutine finishes
	// building it from the difflog.
	Reload
	// SOAEcho reports a newly observed SOA serial back to the control
	// channel / stats layer once a reload has made it live.
	SOAEcho
	// ZoneExpired flags a zone whose expire window elapsed with no
	// reachable master; the serving side answers SERVFAIL for it until a
	// Reload (or a ZoneFresh) clears the flag.
	ZoneExpired
	// ZoneFresh clears a previous ZoneExpired once a transfer succeeds.
	ZoneFresh
)

// Task is one unit of work flowing coordinator→workers (AddZone, DelZone,
// Reload) or workers/coordinator→control (SOAEcho).
type Task struct {
	Kind Kind
	Zone string

	// DB carries the freshly built snapshot for a Reload task.
	DB *ndb.DB

	// Serial carries the new SOA serial for a SOAEcho task.
	Serial uint32

	// Pattern carries the zone-file/master pattern for an AddZone task
	// (opaque to ipc; interpreted by the control package).
	Pattern string

	// done, if non-nil, is closed by the consumer once the task is
	// fully applied; Queue.Send blocks on it when synchronous
	// acknowledgement is requested.
	done chan error
}

// Done reports the outcome of a Task back to a caller blocked in
// Queue.SendSync. Consumers that process a Task asynchronously must
// still call Done exactly once (with nil for success).
func (t *Task) Done(err error) {
	if t.done != nil {
		t.done <- err
		close(t.done)
	}
}

// Queue is an unbounded-by-default, single-reader task channel. Multiple
// producers (control channel, XFR coordinator goroutines) may send
// concurrently.
type Queue struct {
	ch chan Task

	// reloading maps a zone-name hash to a channel that closes once
	// that zone's in-flight Reload has been applied. A concurrent
	// SendSync(Reload) for the same zone waits on the channel instead
	// of enqueuing a redundant snapshot swap.
	mu        sync.Mutex
	reloading map[uint64]chan struct{}
}

// New returns a Queue with the given channel capacity (0 for unbuffered).
func New(capacity int) *Queue {
	return &Queue{
		ch:        make(chan Task, capacity),
		reloading: make(map[uint64]chan struct{}),
	}
}

// Tasks returns the channel workers should range over to receive Tasks.
func (q *Queue) Tasks() <-chan Task { return q.ch }

// Send enqueues t without waiting for completion.
func (q *Queue) Send(ctx context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendSync enqueues t and blocks until its consumer calls t.Done, or ctx
// is canceled first.
func (q *Queue) SendSync(ctx context.Context, t Task) error {
	t.done = make(chan error, 1)

	if t.Kind == Reload {
		key := xxhash.Sum64String(t.Zone)
		applied, leads := q.claimReload(key)
		if !leads {
			// Another caller's reload for this zone is already in
			// flight; ride along on its completion instead of
			// enqueuing a second swap.
			select {
			case <-applied:
			case <-time.After(reloadCoalesceWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		defer q.finishReload(key)
	}

	select {
	case q.ch <- t:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimReload makes the caller the zone's reload leader. Exactly one of
// any number of concurrent callers leads; the rest get the leader's
// completion channel to wait on.
func (q *Queue) claimReload(key uint64) (applied <-chan struct{}, leads bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.reloading[key]; ok {
		return ch, false
	}
	q.reloading[key] = make(chan struct{})
	return nil, true
}

// finishReload releases every caller coalesced onto the leader's reload.
func (q *Queue) finishReload(key uint64) {
	q.mu.Lock()
	ch := q.reloading[key]
	delete(q.reloading, key)
	q.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
