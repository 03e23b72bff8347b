// Package engine implements the connection-arbitration core: the allow/block
// registry, the bounded pending-approval queue, and the per-attempt
// classification decision.
package engine

import (
	"errors"
	"strings"
	"sync"

	"github.com/netguard/netguardd/internal/domain"
)

// ErrRegistryFull is returned by Add when the registry is at capacity.
var ErrRegistryFull = errors.New("registry is full")

// DefaultRegistryCapacity bounds the number of registry entries.
const DefaultRegistryCapacity = 1024

// Registry holds allow/block decisions for previously classified executables.
// Lookup is a linear scan; capacity is small and calls are rate-limited by
// connection attempts, not packets. Entries are append-only: there is no
// removal or in-place update, and the first matching entry wins.
type Registry struct {
	mu       sync.Mutex
	entries  []domain.RegistryEntry
	capacity int
}

// NewRegistry creates an empty registry with the given capacity.
// Non-positive capacities fall back to DefaultRegistryCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	return &Registry{
		entries:  make([]domain.RegistryEntry, 0, capacity),
		capacity: capacity,
	}
}

// Lookup returns the verdict recorded for path, if any.
// Matching is a case-insensitive exact comparison; first match wins.
func (r *Registry) Lookup(path string) (domain.Verdict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if strings.EqualFold(e.ExecutablePath, path) {
			return e.Verdict, true
		}
	}
	return domain.VerdictPermit, false
}

// Add appends a new entry. Adding an entry identical to an existing one
// (same path, same verdict) is a silent no-op. A same-path entry with a
// different verdict is appended anyway and shadowed by the earlier one;
// de-duplication is the caller's responsibility.
func (r *Registry) Add(path string, verdict domain.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if strings.EqualFold(e.ExecutablePath, path) && e.Verdict == verdict {
			return nil
		}
	}

	if len(r.entries) >= r.capacity {
		return ErrRegistryFull
	}

	r.entries = append(r.entries, domain.RegistryEntry{
		ExecutablePath: path,
		Verdict:        verdict,
	})
	return nil
}

// Len returns the number of stored entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
