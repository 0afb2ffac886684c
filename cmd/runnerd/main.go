package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ploston/runner/internal/adapters/container"
	fsadapter "github.com/ploston/runner/internal/adapters/fs"
	gitadapter "github.com/ploston/runner/internal/adapters/git"
	"github.com/ploston/runner/internal/adapters/shell"
	"github.com/ploston/runner/internal/capability"
	"github.com/ploston/runner/internal/config"
	"github.com/ploston/runner/internal/executor"
	"github.com/ploston/runner/internal/logging"
	"github.com/ploston/runner/internal/observability"
	"github.com/ploston/runner/internal/runner"
	"github.com/ploston/runner/internal/session"
	"github.com/ploston/runner/internal/tools"
)

func main() {
	configPath := flag.String("config", "runner.toml", "path to the runner configuration file")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load configuration")
	}
	logger := observability.NewLogger(cfg.RunnerName)

	registry, err := buildRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build capability registry")
	}
	logger.Info().Strs("capabilities", registry.Names()).Msg("registry frozen")

	sessionMgr, err := session.NewManager(sessionConfig(cfg), session.Identity{
		RunnerName:   cfg.RunnerName,
		Token:        cfg.AuthToken,
		Capabilities: registry.Names(),
	}, tcpDialer(cfg.ControlPlaneAddr), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build session manager")
	}

	capTimeouts := make(map[string]time.Duration, len(cfg.CapabilityTimeouts))
	for name, d := range cfg.CapabilityTimeouts {
		capTimeouts[name] = d.Std()
	}

	svc := runner.NewService(runner.Options{
		Session:        sessionMgr,
		Registry:       registry,
		Executor:       executor.New(registry, cfg.DefaultStepTimeout.Std(), capTimeouts, logger),
		Telemetry:      observability.NewLogSink(logger),
		MaxParallel:    int64(cfg.MaxParallelSteps),
		ConfiguredCaps: cfg.Capabilities,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("control_plane", cfg.ControlPlaneAddr).Msg("runner starting")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("runner stopped")
		os.Exit(1)
	}
	logger.Info().Msg("runner stopped")
}

// buildRegistry registers every adapter allowed by the configuration
// and freezes the result.
func buildRegistry(cfg config.Config) (*capability.Registry, error) {
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, err
	}
	registry := capability.NewRegistry(cfg.Capabilities)
	execRunner := tools.ExecRunner{}

	fsAdapter, err := fsadapter.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	shellAdapter, err := shell.New(execRunner, cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	gitAdapter, err := gitadapter.New(execRunner, cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	containerAdapter, err := container.New(execRunner, cfg.ContainerBinary)
	if err != nil {
		return nil, err
	}

	for _, adapter := range []capability.Adapter{fsAdapter, shellAdapter, gitAdapter, containerAdapter} {
		if err := registry.Register(adapter); err != nil {
			if errors.Is(err, capability.ErrNotAllowed) {
				continue
			}
			return nil, err
		}
	}
	registry.Freeze()
	return registry, nil
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		ConnectTimeout:     cfg.Session.ConnectTimeout.Std(),
		HandshakeTimeout:   cfg.Session.HandshakeTimeout.Std(),
		HeartbeatInterval:  cfg.Session.HeartbeatInterval.Std(),
		HeartbeatMissLimit: cfg.Session.HeartbeatMissLimit,
		MaxDisconnect:      cfg.Session.MaxDisconnect.Std(),
		Backoff: session.BackoffConfig{
			InitialDelay: cfg.Session.BackoffInitial.Std(),
			MaxDelay:     cfg.Session.BackoffMax.Std(),
			Jitter:       true,
		},
	}.WithDefaults()
}

func tcpDialer(addr string) session.Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}
