// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/auth"
	"github.com/mbd888/creditrisk/internal/config"
	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/health"
	"github.com/mbd888/creditrisk/internal/idgen"
	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/internal/metrics"
	"github.com/mbd888/creditrisk/internal/ratelimit"
	"github.com/mbd888/creditrisk/internal/realtime"
	"github.com/mbd888/creditrisk/internal/scoring"
	"github.com/mbd888/creditrisk/internal/security"
	"github.com/mbd888/creditrisk/internal/traces"
	"github.com/mbd888/creditrisk/internal/validation"
)

// DefaultVersion is reported by /health and the tracer resource when no
// build version is injected.
const DefaultVersion = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	services      *Services
	customers     *customers.Service
	engine        *scoring.Engine
	activityStore activity.Store
	recorder      *activity.Recorder
	realtimeHub   *realtime.Hub
	repairer      *scoring.StaleRepairer // nil when disabled
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	clock         scoring.Clock
	drainDelay    time.Duration
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB injects an open database instead of dialing DATABASE_URL. The
// caller keeps ownership and must close it.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithClock replaces time.Now for scoring windows (tests, replays).
func WithClock(c scoring.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    DefaultVersion,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set db/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without it", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}
	s.stopTracing = stopTracing

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger,
		realtime.WithAllowedOrigins(security.ParseOrigins(cfg.CORSOrigins)))

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	svc, err := NewServices(ctx, cfg, s.logger, ServiceOptions{
		DB:     s.db,
		Events: s.realtimeHub,
		Clock:  s.clock,
	})
	if err != nil {
		_ = stopTracing(ctx)
		return nil, err
	}
	s.services = svc
	s.db = svc.DB
	s.customers = svc.Customers
	s.engine = svc.Engine
	s.activityStore = svc.ActivityStore
	s.recorder = svc.Recorder

	if cfg.StaleRepairInterval > 0 {
		s.repairer = scoring.NewStaleRepairer(s.engine, s.customers, cfg.StaleRepairInterval, s.logger)
	}

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("scoring", health.Scoring(s.engine))
	if s.repairer != nil {
		s.checks.RegisterOptional("stale_repair", health.StaleRepair(s.repairer))
	}

	if cfg.AdminSecret == "" && cfg.IsDevelopment() {
		s.logger.Warn("ADMIN_SECRET not set: admin routes are open (development only)")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Server span per request (no-op unless tracing is configured)
	s.router.Use(traces.Middleware())

	// Audit origin (client IP and user agent on every activity entry)
	s.router.Use(s.originMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) originMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := activity.WithOrigin(c.Request.Context(), c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time score events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	customerHandler := customers.NewHandler(s.customers)
	scoringHandler := scoring.NewHandler(s.engine, s.customers).WithActivity(s.recorder)
	activityHandler := activity.NewHandler(s.activityStore)

	customerHandler.RegisterRoutes(v1)
	scoringHandler.RegisterRoutes(v1)

	// RequireAdmin checks X-Admin-Secret header (or allows all in demo mode).
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	{
		customerHandler.RegisterAdminRoutes(admin)
		scoringHandler.RegisterAdminRoutes(admin)
		activityHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  *realtime.Stats `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	rt := s.realtimeHub.Stats()
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Realtime:  &rt,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, statuses := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "creditrisk",
		"description": "Behavioural credit scoring for e-commerce customers",
		"version":     s.version,
		"storage":     storage,
		"scoreRange":  []int{scoring.MinScore, scoring.MaxScore},
		"bands":       scoring.Bands,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Retry profiles left stale by failed recomputes
	if s.repairer != nil {
		go s.repairer.Start(runCtx)
	}

	// Export connection pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.services.Close()

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the scoring engine (for the recompute and seed tools).
func (s *Server) Engine() *scoring.Engine {
	return s.engine
}

// Customers returns the customer service.
func (s *Server) Customers() *customers.Service {
	return s.customers
}
