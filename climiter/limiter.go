// Package climiter implements a bounded-parallelism scheduler: a FIFO
// queue of pending work units gated by an active-count semaphore,
// surfaced as a submit-and-wait Run call instead
// of bare acquire/release, since callers here submit closures rather than
// claiming raw capacity units.
package climiter

import (
	"sync"

	"github.com/NebulousLabs/errors"

	"github.com/SajanLamichhane/chunkflow/build"
)

// ErrInvalidLimit is returned by UpdateLimit when n <= 0.
var ErrInvalidLimit = errors.New("limit must be positive")

// ErrCleared is returned by Run when the unit's queued slot was discarded by
// ClearQueue before it got a chance to start.
var ErrCleared = errors.New("pending unit was cleared from the queue")

type waiter struct {
	ready     chan struct{}
	cancelled bool
}

// Limiter bounds the number of concurrently-running work units. Pending
// units are released in FIFO submission order; a failing unit does not
// cancel its peers.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	active int
	queue  []*waiter
}

// New creates a Limiter with the given initial concurrency limit.
func New(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{limit: limit}
}

// acquire blocks until a slot is available or the caller's queued waiter is
// cleared. It returns false in the latter case.
func (l *Limiter) acquire() bool {
	l.mu.Lock()
	if l.active < l.limit {
		l.active++
		l.mu.Unlock()
		return true
	}
	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	<-w.ready
	return !w.cancelled
}

// release frees a slot and wakes as many queued waiters as the current
// limit allows.
func (l *Limiter) release() {
	l.mu.Lock()
	l.active--
	if l.active < 0 {
		build.Critical("limiter released more units than it acquired")
		l.active = 0
	}
	l.wakeLocked()
	l.mu.Unlock()
}

// wakeLocked must be called with mu held. It promotes queued waiters to
// active until the limit is reached or the queue is empty.
func (l *Limiter) wakeLocked() {
	for l.active < l.limit && len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		close(w.ready)
	}
}

// Run submits fn for execution, blocking until the active count is below
// the limit, then runs fn and returns its result. If the caller's queued
// slot is discarded by ClearQueue before fn starts, Run returns ErrCleared
// and fn is never invoked.
func Run[T any](l *Limiter, fn func() (T, error)) (T, error) {
	var zero T
	if !l.acquire() {
		return zero, ErrCleared
	}
	defer l.release()
	return fn()
}

// UpdateLimit changes the concurrency limit for subsequent acquisitions.
// Units already active continue running under the old discipline. Returns
// ErrInvalidLimit if n <= 0.
func (l *Limiter) UpdateLimit(n int) error {
	if n <= 0 {
		return ErrInvalidLimit
	}
	l.mu.Lock()
	l.limit = n
	l.wakeLocked()
	l.mu.Unlock()
	return nil
}

// GetLimit returns the current concurrency limit.
func (l *Limiter) GetLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// ActiveCount returns the number of currently-executing work units.
func (l *Limiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// PendingCount returns the number of work units waiting for a slot.
func (l *Limiter) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// ClearQueue discards all pending-but-not-started units; their Run calls
// return ErrCleared. Active units are unaffected.
func (l *Limiter) ClearQueue() {
	l.mu.Lock()
	cleared := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, w := range cleared {
		w.cancelled = true
		close(w.ready)
	}
}
