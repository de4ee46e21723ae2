// Package dockerruntime is the concrete Docker implementation of
// observer.Runtime, grounded in the Docker Engine API client already
// used elsewhere in the pack for container discovery.
package dockerruntime

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"glued/internal/observer"
)

// Runtime adapts a Docker Engine API client to observer.Runtime.
type Runtime struct {
	cli *dockerclient.Client
}

// Connect dials the local Docker daemon using the standard
// DOCKER_HOST/DOCKER_CERT_PATH/DOCKER_TLS_VERIFY environment, negotiating
// the API version so it works across daemon releases.
func Connect() (*Runtime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Close releases the underlying client connection.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) ListRunning(ctx context.Context) ([]observer.ContainerRef, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	refs := make([]observer.ContainerRef, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		refs = append(refs, observer.ContainerRef{ID: c.ID, Name: name})
	}
	return refs, nil
}

func (r *Runtime) NetworkAttachment(ctx context.Context, nameOrID, networkName string) (observer.NetworkAttachment, bool, error) {
	detail, err := r.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return observer.NetworkAttachment{}, false, nil
		}
		return observer.NetworkAttachment{}, false, fmt.Errorf("inspect container %s: %w", nameOrID, err)
	}
	if detail.NetworkSettings == nil {
		return observer.NetworkAttachment{}, false, nil
	}
	ep, ok := detail.NetworkSettings.Networks[networkName]
	if !ok {
		return observer.NetworkAttachment{}, false, nil
	}
	return observer.NetworkAttachment{IPv4: ep.IPAddress, IPv6: ep.GlobalIPv6Address}, true, nil
}

// SelfNetworks inspects this daemon's own container (identified by its
// HOSTNAME, which Docker sets to the container ID) and returns the
// driver of each attached network.
func (r *Runtime) SelfNetworks(ctx context.Context) ([]observer.NetworkRef, error) {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		return nil, fmt.Errorf("HOSTNAME is not set; cannot identify own container")
	}

	detail, err := r.cli.ContainerInspect(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("inspect own container %s: %w", hostname, err)
	}
	if detail.NetworkSettings == nil {
		return nil, nil
	}

	refs := make([]observer.NetworkRef, 0, len(detail.NetworkSettings.Networks))
	for name := range detail.NetworkSettings.Networks {
		netDetail, err := r.cli.NetworkInspect(ctx, name, network.InspectOptions{})
		if err != nil {
			continue
		}
		refs = append(refs, observer.NetworkRef{Name: name, Driver: netDetail.Driver})
	}
	return refs, nil
}

func (r *Runtime) Events(ctx context.Context) (<-chan observer.LifecycleEvent, <-chan error) {
	out := make(chan observer.LifecycleEvent)
	outErr := make(chan error, 1)

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	for _, action := range []string{"start", "die", "kill", "stop"} {
		f.Add("event", action)
	}

	msgs, errs := r.cli.Events(ctx, events.ListOptions{Filters: f})

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				outErr <- ctx.Err()
				return
			case err, ok := <-errs:
				if !ok {
					close(outErr)
					return
				}
				outErr <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					close(outErr)
					return
				}
				ev := observer.LifecycleEvent{Action: string(msg.Action)}
				if msg.Actor.ID != "" {
					ev.ID = msg.Actor.ID
				}
				if name, ok := msg.Actor.Attributes["name"]; ok {
					ev.Name = name
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					outErr <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, outErr
}
