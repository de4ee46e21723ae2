// Package update defines the mutation currency exchanged between the
// container observer, the gossip transport, and the registry.
package update

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"glued/internal/check"
)

// Kind discriminates the two Update variants.
type Kind uint8

const (
	KindAdd Kind = iota
	KindRemove
)

// Update is a tagged value: Add{Name, IP} or Remove{Name}. IP is the zero
// value for Remove.
type Update struct {
	Kind Kind
	Name string
	IP   string
}

// Add builds an Update that introduces or overwrites a mapping.
func Add(name, ip string) Update {
	return Update{Kind: KindAdd, Name: name, IP: ip}
}

// Remove builds an Update that deletes a mapping.
func Remove(name string) Update {
	return Update{Kind: KindRemove, Name: name}
}

// Validate checks the invariants from the spec: Name is a single DNS
// label (no dot, <=63 octets) and, for Add, IP parses as an IP literal.
func (u Update) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("update: empty name")
	}
	if strings.Contains(u.Name, ".") {
		return fmt.Errorf("update: name %q is not a single label", u.Name)
	}
	if len(u.Name) > 63 {
		return fmt.Errorf("update: name %q exceeds 63 octets", u.Name)
	}
	if u.Kind == KindAdd {
		if net.ParseIP(u.IP) == nil {
			return fmt.Errorf("update: %q is not a valid IP literal", u.IP)
		}
	}
	return nil
}

type addPayload struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

type removePayload struct {
	Name string `json:"name"`
}

// wireEnvelope mirrors the spec's wire format exactly:
// {"Add":{"name":...,"ip":...}} or {"Remove":{"name":...}}.
type wireEnvelope struct {
	Add    *addPayload    `json:"Add,omitempty"`
	Remove *removePayload `json:"Remove,omitempty"`
}

// MarshalJSON implements json.Marshaler, producing the self-delimited
// gossip wire document described in the spec.
func (u Update) MarshalJSON() ([]byte, error) {
	switch u.Kind {
	case KindAdd:
		return json.Marshal(wireEnvelope{Add: &addPayload{Name: u.Name, IP: u.IP}})
	case KindRemove:
		return json.Marshal(wireEnvelope{Remove: &removePayload{Name: u.Name}})
	default:
		check.Assertf(false, "update: unknown kind %d", u.Kind)
		return nil, fmt.Errorf("update: unknown kind %d", u.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Update) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch {
	case env.Add != nil:
		*u = Update{Kind: KindAdd, Name: env.Add.Name, IP: env.Add.IP}
	case env.Remove != nil:
		*u = Update{Kind: KindRemove, Name: env.Remove.Name}
	default:
		return fmt.Errorf("update: payload has neither Add nor Remove")
	}
	return nil
}
