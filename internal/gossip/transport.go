// Package gossip implements the authenticated peer mesh: an
// authenticate-then-trust handshake over plain TCP, a background
// connection-maintenance loop over the configured bootstrap addresses,
// and broadcast/receive of Update messages to/from every authenticated
// peer.
//
// The original design (content-addressed node identities resolved by a
// DHT) has no raw-TCP equivalent, so this port treats each configured
// bootstrap entry as a dialable "host:port" address rather than a bare
// identity: the maintenance loop skips any entry that matches this
// daemon's own bind address (the same string, or a loopback or wildcard
// host on the same port), which is the TCP-native reading of "own
// identity is skipped". Entries are not resolved before dialing.
package gossip

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"glued/internal/peerid"
	"glued/internal/update"
)

const maintenanceInterval = 10 * time.Second

// Config carries everything the Transport needs to authenticate and
// address peers.
type Config struct {
	Self           peerid.ID
	Topic          peerid.ID
	Secret         []byte
	BindAddr       string
	BootstrapAddrs []string
}

// Transport owns the listening socket, the set of currently
// authenticated connections, and the pumps moving Updates on and off
// the wire.
type Transport struct {
	cfg Config
	out <-chan update.Update
	in  chan<- update.Update

	mu          sync.Mutex
	conns       map[uint64]net.Conn // all authenticated connections, inbound and outbound
	nextConnID  uint64
	dialedAddrs map[string]bool // bootstrap addresses being dialed or connected, for maintenance dedup
}

// New creates a Transport. out is read for locally-produced Updates to
// broadcast; in receives Updates decoded from peers.
func New(cfg Config, out <-chan update.Update, in chan<- update.Update) *Transport {
	return &Transport{
		cfg:         cfg,
		out:         out,
		in:          in,
		conns:       make(map[uint64]net.Conn),
		dialedAddrs: make(map[string]bool),
	}
}

// Run listens for inbound connections, maintains outbound connections to
// the configured bootstrap addresses, and broadcasts local Updates,
// until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.cfg.BindAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error { return t.acceptLoop(ctx, ln) })
	g.Go(func() error { return t.maintainLoop(ctx) })
	g.Go(func() error { return t.broadcastLoop(ctx) })

	return g.Wait()
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("gossip accept failed", "err", err)
			continue
		}
		go t.handleInbound(ctx, conn)
	}
}

func (t *Transport) handleInbound(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := responderHandshake(conn, t.cfg.Secret, t.cfg.Topic, t.cfg.Self); err != nil {
		slog.Warn("gossip inbound handshake failed", "remote", conn.RemoteAddr(), "err", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	id := t.registerConn(conn)
	slog.Info("gossip peer authenticated", "remote", conn.RemoteAddr(), "direction", "inbound")
	t.readLoop(ctx, conn, id, "")
}

func (t *Transport) maintainLoop(ctx context.Context) error {
	t.dialAll(ctx)

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.dialAll(ctx)
		}
	}
}

func (t *Transport) dialAll(ctx context.Context) {
	for _, addr := range t.cfg.BootstrapAddrs {
		if t.isSelf(addr) {
			continue
		}
		t.mu.Lock()
		already := t.dialedAddrs[addr]
		t.mu.Unlock()
		if already {
			continue
		}
		go t.dialAndMaintain(ctx, addr)
	}
}

func (t *Transport) isSelf(addr string) bool {
	if addr == t.cfg.BindAddr {
		return true
	}
	_, selfPort, err1 := net.SplitHostPort(t.cfg.BindAddr)
	host, port, err2 := net.SplitHostPort(addr)
	if err1 != nil || err2 != nil {
		return false
	}
	return port == selfPort && (host == "" || host == "0.0.0.0" || host == "127.0.0.1" || host == "localhost")
}

func (t *Transport) dialAndMaintain(ctx context.Context, addr string) {
	t.mu.Lock()
	t.dialedAddrs[addr] = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.dialedAddrs, addr)
		t.mu.Unlock()
	}()

	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		slog.Debug("gossip dial failed", "addr", addr, "err", err)
		return
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	peerID, err := initiatorHandshake(conn, t.cfg.Secret, t.cfg.Topic)
	if err != nil {
		slog.Warn("gossip outbound handshake failed", "addr", addr, "err", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	id := t.registerConn(conn)
	slog.Info("gossip peer authenticated", "addr", addr, "peer", peerID.String(), "direction", "outbound")
	t.readLoop(ctx, conn, id, addr)
}

func (t *Transport) registerConn(conn net.Conn) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextConnID
	t.nextConnID++
	t.conns[id] = conn
	return id
}

func (t *Transport) removeConn(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// readLoop decodes newline-delimited JSON Updates from conn until it
// errs or closes, delivering each to the in channel.
func (t *Transport) readLoop(ctx context.Context, conn net.Conn, connID uint64, dialedAddr string) {
	defer func() {
		_ = conn.Close()
		t.removeConn(connID)
		if dialedAddr != "" {
			t.mu.Lock()
			delete(t.dialedAddrs, dialedAddr)
			t.mu.Unlock()
		}
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var u update.Update
		if err := dec.Decode(&u); err != nil {
			if ctx.Err() == nil {
				slog.Debug("gossip connection closed", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}
		if err := u.Validate(); err != nil {
			slog.Warn("gossip dropped invalid update", "remote", conn.RemoteAddr(), "err", err)
			continue
		}
		select {
		case t.in <- u:
		case <-ctx.Done():
			return
		}
	}
}

// broadcastLoop reads locally-produced Updates off t.out and writes each
// to every currently authenticated connection.
func (t *Transport) broadcastLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-t.out:
			if !ok {
				return nil
			}
			t.broadcast(u)
		}
	}
}

func (t *Transport) broadcast(u update.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		slog.Error("gossip marshal update failed", "err", err)
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	targets := make(map[uint64]net.Conn, len(t.conns))
	for id, conn := range t.conns {
		targets[id] = conn
	}
	t.mu.Unlock()

	for id, conn := range targets {
		_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		if _, err := conn.Write(data); err != nil {
			slog.Warn("gossip broadcast write failed", "remote", conn.RemoteAddr(), "err", err)
			_ = conn.Close()
			t.removeConn(id)
		}
	}
}
