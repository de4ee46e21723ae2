// Package peerid implements the 32-byte peer identities and topic IDs
// that scope the gossip overlay.
package peerid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a peer identity or topic ID.
const Size = 32

// ID is a stable 32-byte public identifier, compared byte-wise.
type ID [Size]byte

// Generate derives a fresh random identity. In production this is called
// once at daemon startup; the result is stable for the process lifetime.
func Generate() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("generate peer identity: %w", err)
	}
	return id, nil
}

// Parse decodes a 64-character hex string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse peer identity %q: %w", s, err)
	}
	if len(b) != Size {
		return ID{}, fmt.Errorf("parse peer identity %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex encoding of id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether id and other are byte-for-byte identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// DedupPreserveOrder removes duplicate strings, keeping the first
// occurrence of each. Used to merge DNS-discovered bootstrap addresses
// ahead of statically configured ones.
func DedupPreserveOrder(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
