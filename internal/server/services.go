package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/config"
	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/scoring"
	"github.com/mbd888/creditrisk/migrations"
)

// Services is the storage and domain wiring shared by the API server and
// the command-line tools.
type Services struct {
	DB            *sql.DB // nil when running in memory
	CustomerStore customers.Store
	ActivityStore activity.Store
	Recorder      *activity.Recorder
	Engine        *scoring.Engine
	Customers     *customers.Service

	ownsDB bool
	logger *slog.Logger
}

// ServiceOptions tunes NewServices.
type ServiceOptions struct {
	// DB is used instead of dialing cfg.DatabaseURL. The caller keeps
	// ownership.
	DB *sql.DB
	// Events receives score events after each successful recompute.
	Events scoring.EventPublisher
	Clock  scoring.Clock
}

// NewServices opens storage (Postgres when a database is configured,
// otherwise in-memory) and wires the engine and customer service.
func NewServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ServiceOptions) (*Services, error) {
	svc := &Services{DB: opts.DB, logger: logger}

	if svc.DB == nil && cfg.DatabaseURL != "" {
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		svc.DB = db
		svc.ownsDB = true
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	var profiles scoring.Store
	var dependents []customers.Dependent
	if svc.DB != nil {
		if cfg.AutoMigrate {
			n, err := migrations.Up(ctx, svc.DB)
			if err != nil {
				svc.Close()
				return nil, err
			}
			logger.Info("database migrations applied", "count", n)
		}

		svc.CustomerStore = customers.NewPostgresStore(svc.DB)
		svc.ActivityStore = activity.NewPostgresStore(svc.DB)
		profiles = scoring.NewPostgresStore(svc.DB)
		// activity_logs cascades on customer delete
	} else {
		custStore := customers.NewMemoryStore()
		actStore := activity.NewMemoryStore().WithCustomerResolver(
			func(ctx context.Context, id string) (string, string, bool) {
				cust, err := custStore.GetCustomer(ctx, id)
				if err != nil {
					return "", "", false
				}
				return cust.FullName, cust.Email, true
			})
		svc.CustomerStore = custStore
		svc.ActivityStore = actStore
		profiles = scoring.NewMemoryStore(custStore)
		dependents = append(dependents, actStore)
		logger.Info("using in-memory storage (data will not persist)")
	}

	svc.Recorder = activity.NewRecorder(svc.ActivityStore, logger)

	svc.Engine = scoring.NewEngine(profiles, logger).
		WithRetry(cfg.RecomputeMaxAttempts, cfg.RecomputeRetryBase).
		WithActivity(svc.Recorder)
	if opts.Events != nil {
		svc.Engine = svc.Engine.WithEvents(opts.Events)
	}
	if opts.Clock != nil {
		svc.Engine = svc.Engine.WithClock(opts.Clock)
	}

	svc.Customers = customers.NewService(svc.CustomerStore, logger).
		WithRecomputer(svc.Engine.AsRecomputer()).
		WithActivity(svc.Recorder).
		WithDependents(append([]customers.Dependent{svc.Engine}, dependents...)...)

	return svc, nil
}

// Close releases the database if NewServices opened it.
func (svc *Services) Close() {
	if svc.DB == nil || !svc.ownsDB {
		return
	}
	if err := svc.DB.Close(); err != nil {
		svc.logger.Error("database close error", "error", err)
	} else {
		svc.logger.Info("database connection closed")
	}
}

// OpenDB dials cfg.DatabaseURL with the pool settings used by every binary.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each recompute holds one connection for its advisory lock plus its
	// transaction, so leave headroom.
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(max(2, cfg.DBMaxOpenConns/5))
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
