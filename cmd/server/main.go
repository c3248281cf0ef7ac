// Creditrisk - behavioural credit scoring for e-commerce customers
package main

import (
	"context"
	"os"

	"github.com/mbd888/creditrisk/internal/config"
	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is known
	logger := logging.New("info", "text")

	logger.Info("starting creditrisk",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"postgres", cfg.DatabaseURL != "",
		"recompute_max_attempts", cfg.RecomputeMaxAttempts,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
