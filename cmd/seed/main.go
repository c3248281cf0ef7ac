// Command seed generates demo customers, orders and payments.
//
// Usage:
//
//	go run ./cmd/seed sample --count 12
//	go run ./cmd/seed activity --email ira.khan.7@example.com --orders 10 --payments 10
//
// Without DATABASE_URL the data goes to in-memory storage and is discarded
// on exit, which is only useful to preview the generated volumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/config"
	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/internal/server"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: seed <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  sample    --count N (10-50)")
	fmt.Fprintln(os.Stderr, "  activity  --email E --orders N --payments M")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = activity.WithActor(ctx, activity.ActorCLI, "seed")
	ctx = logging.WithLogger(ctx, logger)

	svc, err := server.NewServices(ctx, cfg, logger, server.ServiceOptions{})
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	now := time.Now()
	s := &seeder{
		customers: svc.Customers,
		engine:    svc.Engine,
		rng:       rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x5eed)),
		now:       now,
		out:       os.Stdout,
	}

	res, err := run(ctx, s, os.Args[1], os.Args[2:])
	svc.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	fmt.Printf("Done. %d customers, %d orders, %d payments", res.Customers, res.Orders, res.Payments)
	if res.Stale > 0 {
		fmt.Printf(" (%d writes left a stale profile)", res.Stale)
	}
	fmt.Println()
}

func run(ctx context.Context, s *seeder, command string, args []string) (seedResult, error) {
	switch command {
	case "sample":
		fs := flag.NewFlagSet("sample", flag.ContinueOnError)
		count := fs.Int("count", 12, "customers to create (clamped to 10-50)")
		if err := fs.Parse(args); err != nil {
			return seedResult{}, err
		}
		return s.sample(ctx, *count)

	case "activity":
		fs := flag.NewFlagSet("activity", flag.ContinueOnError)
		email := fs.String("email", "", "email of an existing customer")
		orders := fs.Int("orders", 10, "orders to create")
		payments := fs.Int("payments", 10, "payments to create")
		if err := fs.Parse(args); err != nil {
			return seedResult{}, err
		}
		if *email == "" {
			return seedResult{}, fmt.Errorf("--email is required")
		}
		return s.activity(ctx, *email, *orders, *payments)

	default:
		usage()
		return seedResult{}, fmt.Errorf("unknown command %q", command)
	}
}
