// Package registry holds the in-memory name→address map shared between
// the container observer, the gossip transport, and the DNS responder.
package registry

import (
	"sync"

	"glued/internal/check"
	"glued/internal/update"
)

// Registry is a concurrent name→IP map. Reads take a shared lock; writes
// are serialized behind an exclusive one. No I/O is ever performed while
// either lock is held.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Get returns the address for name and whether it was present.
func (r *Registry) Get(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ip, ok := r.entries[name]
	return ip, ok
}

// Apply atomically inserts or deletes the mapping named by u. Applying
// the same Add twice, or Remove on an absent key, is a no-op error-wise —
// both are idempotent.
func (r *Registry) Apply(u update.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case update.KindAdd:
		r.entries[u.Name] = u.IP
	case update.KindRemove:
		delete(r.entries, u.Name)
	default:
		check.Assertf(false, "registry: unknown update kind %d for %q", u.Kind, u.Name)
	}
}

// Snapshot returns a copy of the current map, for diagnostics only — not
// on the DNS or gossip hot path.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of entries currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
