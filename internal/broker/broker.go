// Package broker implements the impersonation request lifecycle and session
// management. All mutation of request and session records goes through this
// package; per-record keyed locks plus guarded UPDATEs keep concurrent
// responders and the expiry sweeps from double-transitioning a record.
package broker

import (
	"sync"

	"github.com/google/uuid"
)

// Notifier delivers an event to a principal's live connection, if any.
// Returns false when the principal is not connected; the caller decides
// whether that matters (requests stay valid and are picked up by pull).
type Notifier interface {
	Notify(userID uuid.UUID, msg any) bool
}

// NopNotifier drops every event. Used in tests and by the worker process.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(uuid.UUID, any) bool { return false }

// Actor carries request-scoped metadata about who triggered an operation,
// for audit enrichment only.
type Actor struct {
	IPAddress string
	UserAgent string
}

// keyedMutex serializes work per record id. Entries are reference-counted
// and removed when the last holder unlocks, so the map does not grow with
// the request table.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*lockEntry)}
}

// Lock acquires the lock for id and returns the matching unlock func.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &lockEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
