// Package observer watches the containers attached to a designated
// virtual network and turns their lifecycle into a stream of Updates for
// the Registry and the gossip transport.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"glued/internal/update"
)

const (
	connectBackoff    = 5 * time.Second
	streamBackoff     = 2 * time.Second
	autodetectBackoff = 10 * time.Second
)

// ContainerRef identifies a container by ID and (possibly empty)
// canonical name.
type ContainerRef struct {
	ID   string
	Name string
}

// NetworkAttachment carries the IPv4/IPv6 addresses of one container on
// one network.
type NetworkAttachment struct {
	IPv4 string
	IPv6 string
}

// NetworkRef describes one of the daemon's own attached networks, used
// for overlay auto-detection.
type NetworkRef struct {
	Name   string
	Driver string
}

// LifecycleEvent is a single container lifecycle event from the
// runtime's event stream.
type LifecycleEvent struct {
	Action string // "start", "die", "kill", "stop", or anything else (ignored)
	ID     string
	Name   string
}

// Runtime is the narrow surface the Observer needs from a container
// runtime client. The concrete implementation lives in
// glued/internal/dockerruntime.
type Runtime interface {
	// ListRunning enumerates currently running containers.
	ListRunning(ctx context.Context) ([]ContainerRef, error)
	// NetworkAttachment returns the attachment details for nameOrID on
	// networkName, or ok=false if not attached.
	NetworkAttachment(ctx context.Context, nameOrID, networkName string) (NetworkAttachment, bool, error)
	// SelfNetworks lists the networks this daemon's own container is
	// attached to, for overlay auto-detection.
	SelfNetworks(ctx context.Context) ([]NetworkRef, error)
	// Events streams lifecycle events already filtered to
	// {start, die, kill, stop}. The event channel is closed when the
	// stream ends; the error channel then either delivers the error that
	// ended it or is closed on a clean end.
	Events(ctx context.Context) (<-chan LifecycleEvent, <-chan error)
}

// Observer produces the Update stream for a single designated network.
type Observer struct {
	runtime     Runtime
	networkName string // empty triggers auto-detection
	out         chan<- update.Update
}

// New creates an Observer. networkName may be empty, in which case the
// designated network is auto-detected on each (re)connection.
func New(runtime Runtime, networkName string, out chan<- update.Update) *Observer {
	return &Observer{runtime: runtime, networkName: networkName, out: out}
}

// Run drives the observer until ctx is cancelled, including when a
// downstream channel send is abandoned due to cancellation. Transient
// runtime errors are logged and retried with fixed backoffs. Run always
// returns nil.
func (o *Observer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		networkName := o.networkName
		if networkName == "" {
			name, err := o.autodetectNetwork(ctx)
			if err != nil {
				slog.Error("auto-detect overlay network failed", "err", err)
				if !sleepCtx(ctx, autodetectBackoff) {
					return nil
				}
				continue
			}
			networkName = name
		}

		if err := o.initialScan(ctx, networkName); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Error("initial container scan failed", "err", err)
			if !sleepCtx(ctx, connectBackoff) {
				return nil
			}
			continue
		}

		err := o.watch(ctx, networkName)
		if err == nil {
			if !sleepCtx(ctx, streamBackoff) {
				return nil
			}
			continue
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		slog.Warn("docker event stream ended, reconnecting", "err", err)
		if !sleepCtx(ctx, streamBackoff) {
			return nil
		}
	}
}

func (o *Observer) autodetectNetwork(ctx context.Context) (string, error) {
	nets, err := o.runtime.SelfNetworks(ctx)
	if err != nil {
		return "", fmt.Errorf("list self networks: %w", err)
	}
	for _, n := range nets {
		if n.Driver == "overlay" {
			return n.Name, nil
		}
	}
	return "", fmt.Errorf("no overlay network attached")
}

func (o *Observer) initialScan(ctx context.Context, networkName string) error {
	refs, err := o.runtime.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running containers: %w", err)
	}

	for _, ref := range refs {
		name := canonicalName(ref)
		att, ok, err := o.runtime.NetworkAttachment(ctx, name, networkName)
		if err != nil {
			slog.Warn("inspect running container failed", "container", name, "err", err)
			continue
		}
		if !ok {
			continue
		}
		ip := preferIPv4(att)
		if ip == "" {
			continue
		}
		if err := o.emit(ctx, update.Add(name, ip)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Observer) watch(ctx context.Context, networkName string) error {
	events, errs := o.runtime.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := o.handleEvent(ctx, ev, networkName); err != nil {
				return err
			}
		}
	}
}

func (o *Observer) handleEvent(ctx context.Context, ev LifecycleEvent, networkName string) error {
	name := ev.Name
	if name == "" {
		name = ev.ID
	}
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return nil
	}

	switch ev.Action {
	case "start":
		att, ok, err := o.runtime.NetworkAttachment(ctx, name, networkName)
		if err != nil {
			slog.Warn("inspect started container failed", "container", name, "err", err)
			return nil
		}
		if !ok {
			return nil
		}
		ip := preferIPv4(att)
		if ip == "" {
			return nil
		}
		return o.emit(ctx, update.Add(name, ip))
	case "die", "kill", "stop":
		return o.emit(ctx, update.Remove(name))
	default:
		return nil
	}
}

// emit sends u to the downstream channel, respecting cancellation. A
// single consumer (the Orchestrator) owns the channel and never closes
// it — only context cancellation ends the send.
func (o *Observer) emit(ctx context.Context, u update.Update) error {
	select {
	case <-ctx.Done():
		return context.Canceled
	case o.out <- u:
		return nil
	}
}

func canonicalName(ref ContainerRef) string {
	if ref.Name != "" {
		return strings.TrimPrefix(ref.Name, "/")
	}
	return ref.ID
}

func preferIPv4(att NetworkAttachment) string {
	if att.IPv4 != "" {
		return att.IPv4
	}
	return att.IPv6
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
