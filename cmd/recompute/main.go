// Command recompute rebuilds credit profiles for every customer.
//
// Usage:
//
//	go run ./cmd/recompute                 # Recompute every customer
//	go run ./cmd/recompute --stale-only    # Only profiles whose last recompute failed
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/config"
	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/internal/scoring"
	"github.com/mbd888/creditrisk/internal/server"
)

func main() {
	staleOnly := flag.Bool("stale-only", false, "only recompute profiles flagged stale")
	pageSize := flag.Int("page-size", 100, "customers fetched per page")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the run after this long")
	asJSON := flag.Bool("json", false, "print the result as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	ctx = activity.WithActor(ctx, activity.ActorCLI, "recompute")
	ctx = logging.WithLogger(ctx, logger)

	svc, err := server.NewServices(ctx, cfg, logger, server.ServiceOptions{})
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	start := time.Now()
	res, err := svc.Engine.RecomputeAll(ctx, svc.Customers, scoring.BulkOptions{
		StaleOnly: *staleOnly,
		PageSize:  *pageSize,
	})
	logger.Info("recompute finished",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"stale_only", *staleOnly,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		fmt.Printf("Recomputed %d profiles (%d failed)\n", res.Succeeded, res.Failed)
		for _, id := range res.FailedIDs {
			fmt.Printf("  failed: %s\n", id)
		}
	}

	if err != nil {
		logger.Error("recompute aborted", "error", err)
		os.Exit(1)
	}
	if res.Failed > 0 {
		os.Exit(2)
	}
}
