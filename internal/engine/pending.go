package engine

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netguard/netguardd/internal/domain"
)

// DefaultQueueCapacity bounds the number of unresolved pending connections.
const DefaultQueueCapacity = 256

// PendingQueue is a bounded, ordered collection of connection attempts
// awaiting an out-of-band decision. Admission order is display order.
// Connection ids are minted from a shared monotonic counter (the engine's
// total-connections counter) and are never reused; when the queue is full,
// no id is allocated.
type PendingQueue struct {
	mu       sync.Mutex
	entries  []domain.PendingConnection
	capacity int
	ids      *atomic.Uint64
	signal   chan struct{}
	now      func() time.Time
}

// NewPendingQueue creates an empty queue. ids is the shared id allocator;
// non-positive capacities fall back to DefaultQueueCapacity.
func NewPendingQueue(capacity int, ids *atomic.Uint64) *PendingQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PendingQueue{
		entries:  make([]domain.PendingConnection, 0, capacity),
		capacity: capacity,
		ids:      ids,
		signal:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Admit allocates the next connection id, appends a new unresolved entry and
// signals any waiter. It returns false without allocating an id when the
// queue is at capacity.
func (q *PendingQueue) Admit(pid uint32, path string, addr netip.Addr, port uint16) (uint64, bool) {
	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		q.mu.Unlock()
		return 0, false
	}

	id := q.ids.Add(1)
	q.entries = append(q.entries, domain.PendingConnection{
		ID:             id,
		ProcessID:      pid,
		ExecutablePath: path,
		RemoteAddr:     addr,
		RemotePort:     port,
		CreatedAt:      q.now(),
	})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return id, true
}

// Resolve marks the entry with the given id resolved and removes it from the
// active set, preserving the relative order of the remaining entries. It
// returns the resolved entry and whether the id was found. Resolving an
// unknown or already-resolved id is a no-op.
func (q *PendingQueue) Resolve(id uint64, allowed bool) (domain.PendingConnection, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ID == id {
			e.Resolved = true
			e.Allowed = allowed
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true
		}
	}
	return domain.PendingConnection{}, false
}

// Snapshot returns up to limit pending entries in admission order without
// removing them. A negative limit returns everything.
func (q *PendingQueue) Snapshot(limit int) []domain.PendingConnection {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]domain.PendingConnection, n)
	copy(out, q.entries[:n])
	return out
}

// Len returns the number of unresolved entries.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cap returns the configured capacity.
func (q *PendingQueue) Cap() int {
	return q.capacity
}

// Signal returns a channel that receives after new work is admitted.
// The channel is buffered; consumers that fall behind coalesce signals.
func (q *PendingQueue) Signal() <-chan struct{} {
	return q.signal
}
