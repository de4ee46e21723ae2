// Command glued observes containers on a designated virtual network,
// gossips their name→address mappings to an authenticated peer mesh, and
// answers DNS queries for both local short-names and forwarded FQDNs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"glued/internal/buildinfo"
	"glued/internal/config"
	"glued/internal/dnsresponder"
	"glued/internal/dockerruntime"
	"glued/internal/logging"
	"glued/internal/observer"
	"glued/internal/orchestrator"
	"glued/internal/peerid"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "glued",
		Short:   "Container service-discovery daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// run implements the Orchestrator startup sequence: load configuration,
// derive this daemon's identity, perform bootstrap-service DNS
// discovery, and hand off to the orchestrator until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	self, err := peerid.Generate()
	if err != nil {
		return fmt.Errorf("generate peer identity: %w", err)
	}
	slog.Info("daemon identity", "peer", self.String())

	bootstrap, err := orchestrator.DiscoverBootstrapPeers(ctx, net.DefaultResolver, cfg.BootstrapService, cfg.BootstrapPeers)
	if err != nil {
		slog.Warn("bootstrap service discovery failed, continuing with configured peers only", "err", err)
		bootstrap = cfg.BootstrapPeers
	}
	cfg.BootstrapPeers = bootstrap

	newRuntime := func() (observer.Runtime, error) { return dockerruntime.Connect() }
	forwarder := dnsresponder.ResolverForwarder{}

	orch, err := orchestrator.New(cfg, self, newRuntime, forwarder)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	replica, networkName := cfg.Role()
	if replica {
		slog.Info("starting as replica", "network", networkName)
	} else {
		slog.Info("starting as DNS-only")
	}

	return orch.Run(ctx)
}
