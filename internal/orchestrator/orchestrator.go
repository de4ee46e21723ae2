// Package orchestrator wires the Registry, Observer, Gossip Transport,
// and DNS Responder together and runs them as a cancellation-linked
// task group, mirroring daemon.Run's errgroup shape generalized from
// "machine + gRPC server" to this daemon's components.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"glued/internal/config"
	"glued/internal/dnsresponder"
	"glued/internal/gossip"
	"glued/internal/observer"
	"glued/internal/peerid"
	"glued/internal/registry"
	"glued/internal/update"
)

const channelCapacity = 128

// RuntimeFactory constructs the observer.Runtime used when role is
// Replica. It is a func, not a concrete type, so tests can inject a fake
// without linking the Docker client.
type RuntimeFactory func() (observer.Runtime, error)

// Orchestrator owns the Registry and drives every long-running task for
// the lifetime of the process.
type Orchestrator struct {
	cfg            config.Config
	self           peerid.ID
	topic          peerid.ID
	newRuntime     RuntimeFactory
	forwarder      dnsresponder.Forwarder
	registry       *registry.Registry
	dnsResponder   *dnsresponder.Responder
	readySignalled bool
}

// New builds an Orchestrator from a loaded Config and this daemon's own
// identity. newRuntime is nil-safe: when role is DNS-only it is never
// called.
func New(cfg config.Config, self peerid.ID, newRuntime RuntimeFactory, forwarder dnsresponder.Forwarder) (*Orchestrator, error) {
	topic, err := peerid.Parse(cfg.TopicID)
	if err != nil {
		return nil, fmt.Errorf("parse topic_id: %w", err)
	}
	return &Orchestrator{
		cfg:        cfg,
		self:       self,
		topic:      topic,
		newRuntime: newRuntime,
		forwarder:  forwarder,
		registry:   registry.New(),
	}, nil
}

// Registry exposes the shared registry, primarily for tests.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Run executes the startup sequence from the spec: construct channels,
// start the Observer (if Replica), the two fan-out pumps, the Gossip
// Transport, and the DNS Responder, then block until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	localUpdates := make(chan update.Update, channelCapacity)
	gossipOut := make(chan update.Update, channelCapacity)
	gossipIn := make(chan update.Update, channelCapacity)

	g, ctx := errgroup.WithContext(ctx)

	replica, networkName := o.cfg.Role()
	if replica {
		rt, err := o.newRuntime()
		if err != nil {
			return fmt.Errorf("connect container runtime: %w", err)
		}
		obs := observer.New(rt, networkName, localUpdates)
		g.Go(func() error { return obs.Run(ctx) })
	}

	g.Go(func() error { return o.pumpLocal(ctx, localUpdates, gossipOut) })
	g.Go(func() error { return o.pumpGossipIn(ctx, gossipIn) })

	transport := gossip.New(gossip.Config{
		Self:           o.self,
		Topic:          o.topic,
		Secret:         []byte(o.cfg.ClusterSecret),
		BindAddr:       o.cfg.GossipBind,
		BootstrapAddrs: o.cfg.BootstrapPeers,
	}, gossipOut, gossipIn)
	g.Go(func() error { return transport.Run(ctx) })

	o.dnsResponder = dnsresponder.New(o.cfg.DNSBind, o.registry, o.forwarder)
	g.Go(func() error { return o.dnsResponder.Run(ctx) })

	g.Go(func() error {
		o.notifyReadyWhenListening(ctx)
		return nil
	})

	return g.Wait()
}

// pumpLocal fans locally-produced updates out to the Registry and to the
// gossip transport's outbound queue. A send failure on gossipOut
// (context cancelled) terminates the pump.
func (o *Orchestrator) pumpLocal(ctx context.Context, localUpdates <-chan update.Update, gossipOut chan<- update.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-localUpdates:
			if !ok {
				return nil
			}
			o.registry.Apply(u)
			select {
			case gossipOut <- u:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// pumpGossipIn applies every remotely-received update to the Registry.
func (o *Orchestrator) pumpGossipIn(ctx context.Context, gossipIn <-chan update.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-gossipIn:
			if !ok {
				return nil
			}
			o.registry.Apply(u)
		}
	}
}

// notifyReadyWhenListening issues the systemd readiness notification once
// the DNS responder is accepting traffic, since that is the earliest
// point at which the daemon functionally serves its purpose.
func (o *Orchestrator) notifyReadyWhenListening(ctx context.Context) {
	if o.dnsResponder.WaitReady(10 * time.Second) {
		if sent, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
			slog.Error("systemd readiness notify failed", "err", err)
		} else if sent {
			slog.Debug("systemd readiness notified")
		}
	}
}

// DiscoverBootstrapPeers resolves bootstrapService as config.
// BootstrapServiceDNSName and prepends the resulting addresses to
// existing, deduplicating while preserving first-occurrence order, per
// §4.C's DNS-based peer discovery.
func DiscoverBootstrapPeers(ctx context.Context, resolver *net.Resolver, bootstrapService string, existing []string) ([]string, error) {
	if bootstrapService == "" {
		return existing, nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	name := config.BootstrapServiceDNSName(bootstrapService)
	ips, err := resolver.LookupHost(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup bootstrap service %s: %w", name, err)
	}

	merged := append(append([]string{}, ips...), existing...)
	return peerid.DedupPreserveOrder(merged), nil
}
