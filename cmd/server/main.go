// LoanLens - behavioral analysis of payday-loan application sessions
package main

import (
	"context"
	"os"

	"github.com/mbd888/loanlens/internal/config"
	"github.com/mbd888/loanlens/internal/logging"
	"github.com/mbd888/loanlens/internal/server"
	"github.com/mbd888/loanlens/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")
	bootLogger.Info("starting loanlens",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"archive", map[bool]string{true: "postgres", false: "memory"}[cfg.DatabaseURL != ""],
		"idle_timeout", cfg.SessionIdleTimeout.String(),
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
