// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	"github.com/redis/go-redis/v9"

	"github.com/trackerjam/escrow/internal/admin"
	"github.com/trackerjam/escrow/internal/auth"
	"github.com/trackerjam/escrow/internal/balance"
	"github.com/trackerjam/escrow/internal/circuitbreaker"
	"github.com/trackerjam/escrow/internal/config"
	"github.com/trackerjam/escrow/internal/escrow"
	"github.com/trackerjam/escrow/internal/fees"
	"github.com/trackerjam/escrow/internal/health"
	"github.com/trackerjam/escrow/internal/ledger"
	"github.com/trackerjam/escrow/internal/logging"
	"github.com/trackerjam/escrow/internal/marketplace"
	"github.com/trackerjam/escrow/internal/metrics"
	"github.com/trackerjam/escrow/internal/notify"
	"github.com/trackerjam/escrow/internal/processor"
	"github.com/trackerjam/escrow/internal/ratelimit"
	"github.com/trackerjam/escrow/internal/reconciliation"
	"github.com/trackerjam/escrow/internal/retry"
	"github.com/trackerjam/escrow/internal/security"
	"github.com/trackerjam/escrow/internal/syncutil"
	"github.com/trackerjam/escrow/internal/traces"
	"github.com/trackerjam/escrow/internal/validation"
	"github.com/trackerjam/escrow/migrations"
)

// Version is reported by /health and traces. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	redis  *redis.Client
	logger *slog.Logger

	ledger      ledger.Store
	marketplace marketplaceStore
	processor   processor.Processor
	guard       *processor.Guard
	profiles    *marketplace.VerifiedProfiles

	verifier       *auth.Verifier
	emitter        *notify.Emitter
	hub            *notify.Hub
	kafka          *notify.KafkaSink
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	balanceService *balance.Service
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry
	apiLimiter     *ratelimit.Limiter
	moneyLimiter   *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// marketplaceStore is the slice of the marketplace database payments read.
type marketplaceStore interface {
	marketplace.Jobs
	marketplace.Profiles
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor sets the payment processor (for testing)
func WithProcessor(p processor.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithMarketplace sets the marketplace store (for testing)
func WithMarketplace(m marketplaceStore) Option {
	return func(s *Server) {
		s.marketplace = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	// Apply options first (may set processor/logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	s.initProcessor()

	locker, err := s.initLocker(ctx)
	if err != nil {
		return nil, err
	}

	// Notifications: history in Postgres, live over WebSocket, always logged.
	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{notify.NewLogSink(s.logger), s.hub}
	if s.db != nil {
		sinks = append(sinks, notify.NewPostgresSink(s.db))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
		s.logger.Info("notification webhook enabled", "url", cfg.WebhookURL)
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		s.kafka = ks
		sinks = append(sinks, ks)
		s.logger.Info("notification stream enabled", "brokers", cfg.KafkaBrokers)
	}
	s.emitter = notify.NewEmitter(s.logger, sinks...)

	feePolicy, err := fees.NewPolicy(cfg.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("invalid platform fee: %w", err)
	}
	retryPolicy := retry.Policy{
		MaxAttempts: cfg.GatewayMaxAttempts,
		BaseDelay:   cfg.GatewayRetryBase,
		MaxDelay:    5 * time.Second,
	}
	s.profiles = marketplace.NewVerifiedProfiles(s.marketplace, s.guard)

	s.escrowService = escrow.NewService(s.ledger, s.guard, s.marketplace, s.profiles, s.logger).
		WithFeePolicy(feePolicy).
		WithNotifier(s.emitter).
		WithLocker(locker).
		WithRetryPolicy(retryPolicy).
		WithReviewWindow(cfg.ReviewWindow).
		WithCurrency(cfg.Currency)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.ledger, s.logger).
		WithInterval(cfg.AutoReleaseInterval)
	s.logger.Info("escrow enabled", "review_window", cfg.ReviewWindow, "fee_rate", feePolicy.Rate().String())

	s.balanceService = balance.NewService(s.ledger, s.guard, s.profiles, s.logger).
		WithNotifier(s.emitter).
		WithLocker(locker).
		WithRetryPolicy(retryPolicy).
		WithCurrency(cfg.Currency)

	s.reconciler = reconciliation.NewRunner(s.ledger, s.guard, s.escrowService, s.balanceService, s.logger).
		WithGrace(cfg.ReconcileGrace).
		WithAlertAfter(cfg.ReconcileAlertAfter).
		WithOperatorAlerts(s.emitter, cfg.OperatorUserID)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger).
		WithInterval(cfg.ReconcileInterval)

	s.verifier = auth.NewVerifier(cfg.AuthJWTSecret)
	if cfg.AuthJWTSecret == "" {
		s.logger.Warn("AUTH_JWT_SECRET not set; authenticated routes will reject every request")
	}

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DB("database", s.db))
	}
	s.health.Register("auto_release", health.Loop("auto_release", s.escrowTimer))
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconcileTimer))
	s.health.Register("notifications", health.Loop("notifications", s.hub))
	s.health.Register("processor", health.Circuits("processor", s.guard.Breaker().OpenKeys))

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

func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.ledger = ledger.NewMemoryStore()
		if s.marketplace == nil {
			s.marketplace = marketplace.NewMemoryStore()
		}
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db, s.logger); err != nil {
			_ = db.Close()
			return err
		}
	}

	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}
	s.db = db
	s.ledger = ledger.NewPostgresStore(db)
	if s.marketplace == nil {
		s.marketplace = marketplace.NewPostgresStore(db)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initProcessor() {
	if s.processor == nil {
		if s.cfg.StripeSecretKey != "" {
			s.processor = processor.NewStripeGateway(processor.StripeConfig{
				SecretKey: s.cfg.StripeSecretKey,
				Currency:  s.cfg.Currency,
				APIURL:    s.cfg.StripeAPIURL,
			}, s.logger)
			s.logger.Info("using Stripe payment processor")
		} else {
			s.processor = processor.NewMemoryGateway()
			s.logger.Warn("STRIPE_SECRET_KEY not set; using in-memory payment processor")
		}
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("processor circuit changed", "op", key, "from", from.String(), "to", to.String())
	})
	s.guard = processor.NewGuard(s.processor, breaker, s.cfg.GatewayTimeout)
}

// initLocker returns the lock shared by escrow and balance. With Redis every
// instance serializes on the same keys; without it locks are per process
// and only a single instance may serve withdrawals.
func (s *Server) initLocker(ctx context.Context) (syncutil.Locker, error) {
	if s.cfg.RedisURL == "" {
		if s.cfg.DatabaseURL != "" {
			s.logger.Warn("REDIS_URL not set: withdrawal locks are per process, run a single instance")
		}
		return syncutil.NewShardedLocker(), nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.logger.Info("using Redis locks", "addr", opts.Addr)
	return syncutil.NewRedisLocker(client, "escrow:lock:", 2*time.Minute, s.logger), nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(traces.Middleware())
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
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

	apiCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		apiCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.apiLimiter = ratelimit.New(apiCfg)
	s.moneyLimiter = ratelimit.New(ratelimit.MoneyConfig())

	// Everything under /v1 acts on behalf of the token's user.
	protected := s.router.Group("/v1")
	protected.Use(auth.Middleware(s.verifier))
	protected.Use(auth.RequireAuth())
	protected.Use(s.apiLimiter.Middleware())
	protected.Use(s.moneyLimiter.Middleware())

	escrow.NewHandler(s.escrowService).RegisterProtectedRoutes(protected)
	balance.NewHandler(s.balanceService).RegisterProtectedRoutes(protected)
	marketplace.NewHandler(s.profiles, s.guard, s.cfg.OnboardingReturnURL, s.logger).RegisterProtectedRoutes(protected)
	protected.GET("/notifications/ws", s.hub.Handle)

	// Operator routes authenticate with the admin secret, not a user token.
	adminGroup := s.router.Group("/v1")
	adminGroup.Use(auth.Middleware(s.verifier))
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.NewHandler().
		WithReconciler(s.reconciler).
		WithReleaser(s.escrowTimer).
		WithPendingLister(s.ledger).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if s.db != nil {
		if st := health.DB("database", s.db)(c.Request.Context()); !st.Healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": st.Detail})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop timers and the hub after in-flight requests finish.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	// Deliver notifications already emitted.
	s.emitter.Wait()

	s.close(ctx)
	s.logger.Info("server stopped")
	return nil
}

// close releases connections. Safe without Run.
func (s *Server) close(ctx context.Context) {
	if s.apiLimiter != nil {
		s.apiLimiter.Stop()
	}
	if s.moneyLimiter != nil {
		s.moneyLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka producer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
