package gossip

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"

	"glued/internal/peerid"
)

// Wire constants from the handshake protocol. Lengths are exact — every
// field is raw, not length-prefixed.
const (
	authInit = "AUTH_INIT" // 9 bytes
	authOK   = "AUTH_OK"   // 7 bytes

	// ProtocolTag is the fixed ALPN/tag identifying this handshake
	// protocol. It never appears on the wire, and the plain-TCP transport
	// neither sends nor checks it.
	ProtocolTag = "glued/auth/1"

	handshakeTimeout = 5 * time.Second
)

// macFor computes the authentication token for identity id under secret,
// keyed over secret‖topic so that peers on different topics never
// produce matching tokens even when they share a cluster secret — this
// is how "peers on different topics never exchange updates" (spec §3) is
// enforced without adding any byte to the wire. Resolves the spec's
// length-extension-vulnerable Open Question in favor of HMAC-SHA-256 over
// the same id input; the wire layout — 32 raw bytes — is unchanged
// either way.
func macFor(secret []byte, topic, id peerid.ID) []byte {
	key := make([]byte, 0, len(secret)+peerid.Size)
	key = append(key, secret...)
	key = append(key, topic[:]...)
	mac := hmac.New(sha256.New, key)
	mac.Write(id[:])
	return mac.Sum(nil)
}

// initiatorHandshake performs the connecting side of the handshake and
// returns the responder's declared identity. conn must already have a
// deadline set by the caller.
func initiatorHandshake(conn net.Conn, secret []byte, topic peerid.ID) (peerid.ID, error) {
	if _, err := conn.Write([]byte(authInit)); err != nil {
		return peerid.ID{}, fmt.Errorf("send AUTH_INIT: %w", err)
	}

	var responderID peerid.ID
	if _, err := io.ReadFull(conn, responderID[:]); err != nil {
		return peerid.ID{}, fmt.Errorf("read responder identity: %w", err)
	}

	if _, err := conn.Write(macFor(secret, topic, responderID)); err != nil {
		return peerid.ID{}, fmt.Errorf("send auth token: %w", err)
	}

	ok := make([]byte, len(authOK))
	if _, err := io.ReadFull(conn, ok); err != nil {
		return peerid.ID{}, fmt.Errorf("read auth result: %w", err)
	}
	if string(ok) != authOK {
		return peerid.ID{}, fmt.Errorf("handshake rejected by responder")
	}
	return responderID, nil
}

// responderHandshake performs the accepting side of the handshake. It
// never learns the initiator's identity — only the responder's identity
// is exchanged on the wire, per the spec.
func responderHandshake(conn net.Conn, secret []byte, topic, ownID peerid.ID) error {
	init := make([]byte, len(authInit))
	if _, err := io.ReadFull(conn, init); err != nil {
		return fmt.Errorf("read AUTH_INIT: %w", err)
	}
	if string(init) != authInit {
		return fmt.Errorf("invalid protocol init")
	}

	if _, err := conn.Write(ownID[:]); err != nil {
		return fmt.Errorf("send own identity: %w", err)
	}

	candidate := make([]byte, sha256.Size)
	if _, err := io.ReadFull(conn, candidate); err != nil {
		return fmt.Errorf("read auth token: %w", err)
	}

	expected := macFor(secret, topic, ownID)
	if !hmac.Equal(candidate, expected) {
		return fmt.Errorf("authentication failed: token mismatch")
	}

	if _, err := conn.Write([]byte(authOK)); err != nil {
		return fmt.Errorf("send AUTH_OK: %w", err)
	}
	return nil
}
