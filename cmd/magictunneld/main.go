// Command magictunneld runs the MagicTunnel server manager: it loads a
// descriptor file, starts every enabled upstream server, and serves the
// resulting tool catalog until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"magictunnel/internal/authflow"
	"magictunnel/internal/descriptor"
	"magictunnel/internal/manager"
	"magictunnel/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		logging.Error("Bootstrap", err, "magictunneld exited with error")
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "magictunnel.yaml", "path to the server descriptor file")
		capDir     = flag.String("capability-dir", "", "directory to write per-server capability snapshot files (disabled if empty)")
		tokenDir   = flag.String("token-dir", ".magictunnel/tokens", "directory for persisted OAuth tokens")
		clientDir  = flag.String("client-dir", ".magictunnel/clients", "directory for persisted dynamically-registered OAuth clients")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	descriptors, err := descriptor.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load descriptor file %s: %w", *configPath, err)
	}

	flow := authflow.New(*tokenDir, *clientDir)
	opts := []manager.Option{manager.WithAuthFlow(flow)}
	if *capDir != "" {
		opts = append(opts, manager.WithCapabilityDir(*capDir))
	}
	m := manager.New(descriptors, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		logging.Warn("Bootstrap", "one or more servers failed to start: %v", err)
	}

	go m.RunRetryLoop(ctx)

	logging.Info("Bootstrap", "magictunneld ready with %d active server(s)", len(m.GetActiveServers()))

	<-ctx.Done()
	logging.Info("Bootstrap", "shutting down")

	return m.StopAll()
}
