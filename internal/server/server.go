// Package server wires the accounting engine into an HTTP server with its
// background jobs.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Jrmromao/prompt-craft-sub007/internal/accounting"
	"github.com/Jrmromao/prompt-craft-sub007/internal/alerts"
	"github.com/Jrmromao/prompt-craft-sub007/internal/auth"
	"github.com/Jrmromao/prompt-craft-sub007/internal/config"
	"github.com/Jrmromao/prompt-craft-sub007/internal/credits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/health"
	"github.com/Jrmromao/prompt-craft-sub007/internal/idgen"
	"github.com/Jrmromao/prompt-craft-sub007/internal/limits"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
	"github.com/Jrmromao/prompt-craft-sub007/internal/plans"
	"github.com/Jrmromao/prompt-craft-sub007/internal/ratelimit"
	"github.com/Jrmromao/prompt-craft-sub007/internal/reconciliation"
	"github.com/Jrmromao/prompt-craft-sub007/internal/scheduler"
	"github.com/Jrmromao/prompt-craft-sub007/internal/security"
	"github.com/Jrmromao/prompt-craft-sub007/internal/tenant"
	"github.com/Jrmromao/prompt-craft-sub007/internal/traces"
	"github.com/Jrmromao/prompt-craft-sub007/internal/usage"
	"github.com/Jrmromao/prompt-craft-sub007/internal/validation"
	"github.com/Jrmromao/prompt-craft-sub007/migrations"
)

// Version is stamped at build time.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	catalog *plans.Catalog

	tenants    *tenant.Service
	ledger     *credits.Ledger
	aggregator *usage.Aggregator
	limits     *limits.Evaluator
	alerts     *alerts.Evaluator
	engine     *accounting.Engine
	reconciler *reconciliation.Runner
	authMgr    *auth.Manager

	scheduler   *scheduler.Scheduler
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

	// Health state
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDB supplies an open database instead of dialing DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
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
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	catalog := plans.Default()
	if cfg.PlansFile != "" {
		c, err := plans.LoadFile(cfg.PlansFile)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	s.catalog = catalog
	s.logger.Info("plan catalogue loaded", "version", catalog.Version(), "tiers", len(catalog.Tiers()))

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	var (
		tenantStore tenant.Store
		creditStore credits.Store
		usageStore  usage.Store
		alertStore  alerts.ConfigStore
		keyStore    auth.Store
	)
	if s.db != nil {
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, s.db); err != nil {
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
			s.logger.Info("migrations applied")
		}
		tenantStore = tenant.NewPostgresStore(s.db)
		creditStore = credits.NewPostgresStore(s.db)
		usageStore = usage.NewPostgresStore(s.db)
		alertStore = alerts.NewPostgresStore(s.db)
		keyStore = auth.NewPostgresStore(s.db)
	} else {
		tenantStore = tenant.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		alertStore = alerts.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	directory := tenant.NewDirectory(tenantStore)
	s.ledger = credits.New(creditStore, credits.WithTimeout(cfg.StoreTimeout))
	s.tenants = tenant.NewService(tenantStore, catalog, s.ledger)
	s.aggregator = usage.NewAggregator(usageStore, usage.WithAnchors(directory))
	s.limits = limits.NewEvaluator(catalog, directory, s.aggregator, limits.WithUpgradeURL(cfg.UpgradeURL))

	notifier := alerts.Multi{alerts.LogNotifier{}}
	if cfg.AlertWebhookURL != "" || cfg.IsProduction() || cfg.Env == "staging" {
		notifier = append(notifier, alerts.NewWebhookNotifier(cfg.AlertWebhookURL,
			alerts.WithSigningSecret(cfg.AlertWebhookSecret)))
	}
	alertOpts := []alerts.Option{alerts.WithNotifier(notifier)}
	if !cfg.IsDevelopment() {
		alertOpts = append(alertOpts, alerts.WithURLCheck(security.ValidateEndpointURL))
	}
	s.alerts = alerts.NewEvaluator(alertStore, s.aggregator, alertOpts...)

	s.engine = accounting.NewEngine(s.limits, s.ledger, s.aggregator)
	s.reconciler = reconciliation.NewRunner(s.ledger, s.tenants)
	s.authMgr = auth.NewManager(keyStore, auth.WithTenants(directory))

	s.health = health.NewRegistry(Version, 2*time.Second)
	s.health.Register("plans", func(context.Context) health.Status {
		return health.Status{Name: "plans", Healthy: len(catalog.Tiers()) > 0, Detail: catalog.Version()}
	})
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}

	sched, err := s.buildScheduler()
	if err != nil {
		return nil, err
	}
	s.scheduler = sched

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) buildScheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(
		scheduler.WithLogger(s.logger),
		scheduler.WithJobTimeout(s.cfg.JobTimeout),
	)
	jobs := []struct {
		name, spec string
		fn         scheduler.JobFunc
	}{
		{scheduler.JobAlertSweep, s.cfg.AlertSchedule, scheduler.AlertSweep(s.alerts)},
		{scheduler.JobRenewals, s.cfg.RenewalSchedule, scheduler.Renewals(s.ledger)},
		{scheduler.JobUsagePurge, s.cfg.PurgeSchedule, scheduler.UsagePurge(s.aggregator, s.cfg.UsageRetention, time.Now)},
		{scheduler.JobTransactionPurge, s.cfg.PurgeSchedule, scheduler.TransactionPurge(s.ledger, s.cfg.TransactionRetention, time.Now)},
		{scheduler.JobReconciliation, s.cfg.ReconcileSchedule, scheduler.Reconciliation(s.reconciler)},
	}
	for _, j := range jobs {
		if !config.Enabled(j.spec) {
			s.logger.Info("job disabled", "job", j.name)
			continue
		}
		if err := sched.Add(j.name, j.spec, j.fn); err != nil {
			return nil, err
		}
	}
	return sched, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Ready)
	s.router.GET("/health/live", s.health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(1, s.cfg.RateLimitRPM/10),
		CleanupInterval:   time.Minute,
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.TenantParamMiddleware())

	tenantRoutes := v1.Group("")
	tenantRoutes.Use(s.rateLimiter.Middleware(ratelimit.ByTenant))
	if s.cfg.AuthEnabled {
		tenantRoutes.Use(auth.Middleware(s.authMgr), auth.RequireTenant("tenant"))
	}
	tenant.NewHandler(s.tenants).RegisterRoutes(tenantRoutes)
	credits.NewHandler(s.ledger).RegisterRoutes(tenantRoutes)
	usage.NewHandler(s.aggregator).RegisterRoutes(tenantRoutes)
	limits.NewHandler(s.limits).RegisterRoutes(tenantRoutes)
	alerts.NewHandler(s.alerts).RegisterRoutes(tenantRoutes)
	accounting.NewHandler(s.engine).RegisterRoutes(tenantRoutes)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	tenant.NewHandler(s.tenants).RegisterAdminRoutes(admin)
	credits.NewHandler(s.ledger).RegisterAdminRoutes(admin)
	auth.NewHandler(s.authMgr).RegisterAdminRoutes(admin)
	admin.POST("/jobs/:job/run", s.runJobHandler)
	admin.GET("/jobs", s.listJobsHandler)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
}

// runJobHandler handles POST /v1/admin/jobs/:job/run
func (s *Server) runJobHandler(c *gin.Context) {
	name := c.Param("job")
	err := s.scheduler.RunNow(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"job": name, "ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"job": name, "ok": true})
	}
}

// listJobsHandler handles GET /v1/admin/jobs
func (s *Server) listJobsHandler(c *gin.Context) {
	type jobInfo struct {
		Name string     `json:"name"`
		Next *time.Time `json:"next,omitempty"`
	}
	jobs := []jobInfo{}
	for _, name := range s.scheduler.Jobs() {
		info := jobInfo{Name: name}
		if next, ok := s.scheduler.Next(name); ok {
			info.Next = &next
		}
		jobs = append(jobs, info)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs, and blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.scheduler.Start()
	s.ready.Store(true)
	s.logger.Info("server ready", "jobs", s.scheduler.Jobs())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Running jobs finish before the stores close.
	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Error("scheduler stop error", "error", err)
		errs = append(errs, err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
