// Command migrate applies the embedded schema migrations to DATABASE_URL.
//
// Usage:
//
//	go run ./cmd/migrate up              # apply all pending migrations
//	go run ./cmd/migrate up-to 2         # apply up to and including version 2
//	go run ./cmd/migrate down            # roll back the last migration
//	go run ./cmd/migrate down-to 0       # roll back to version 0
//	go run ./cmd/migrate status          # list migrations and their state
//	go run ./cmd/migrate version         # print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/migrations"
)

const usage = "usage: migrate <up|up-to N|down|down-to N|status|version>"

func main() {
	_ = godotenv.Load()
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	provider, err := migrations.NewProvider(db)
	if err != nil {
		logger.Error("failed to load migrations", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, provider, os.Stdout, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *goose.Provider, out io.Writer, command string, args []string) error {
	switch command {
	case "up":
		results, err := p.Up(ctx)
		printResults(out, results)
		return err
	case "up-to":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		results, err := p.UpTo(ctx, version)
		printResults(out, results)
		return err
	case "down":
		result, err := p.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Fprintln(out, "nothing to roll back")
			return nil
		}
		if result != nil {
			printResults(out, []*goose.MigrationResult{result})
		}
		return err
	case "down-to":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		results, err := p.DownTo(ctx, version)
		printResults(out, results)
		return err
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "-"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%05d  %-8s  %-20s  %s\n", st.Source.Version, st.State, applied, st.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
		return nil
	default:
		return fmt.Errorf("unknown command %q (%s)", command, usage)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one version argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

func printResults(out io.Writer, results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "no migrations to run")
		return
	}
	for _, r := range results {
		fmt.Fprintf(out, "%-4s %05d %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}
