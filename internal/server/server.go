// Package server wires the protection engine together: storage,
// processor, services, HTTP surface and the background sweeper.
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
	_ "github.com/lib/pq"

	"github.com/mbd888/tradesafe/internal/admin"
	"github.com/mbd888/tradesafe/internal/circuitbreaker"
	"github.com/mbd888/tradesafe/internal/config"
	"github.com/mbd888/tradesafe/internal/dispute"
	"github.com/mbd888/tradesafe/internal/fees"
	"github.com/mbd888/tradesafe/internal/health"
	"github.com/mbd888/tradesafe/internal/listing"
	"github.com/mbd888/tradesafe/internal/logging"
	"github.com/mbd888/tradesafe/internal/metrics"
	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/notify"
	"github.com/mbd888/tradesafe/internal/processor"
	"github.com/mbd888/tradesafe/internal/ratelimit"
	"github.com/mbd888/tradesafe/internal/refund"
	"github.com/mbd888/tradesafe/internal/security"
	"github.com/mbd888/tradesafe/internal/sweeper"
	"github.com/mbd888/tradesafe/internal/traces"
	"github.com/mbd888/tradesafe/internal/transaction"
	"github.com/mbd888/tradesafe/internal/validation"
)

// Server is the protection engine process.
type Server struct {
	cfg *config.Config

	txnStore     transaction.Store
	txnService   *transaction.Service
	disputeSvc   *dispute.Service
	refunds      *refund.Orchestrator
	sweeper      *sweeper.Sweeper
	sweepTimer   *sweeper.Timer
	notifyStore  notify.Store
	adminChecker admin.Checker
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesCleanup func(context.Context) error
	cancelRunCtx  context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Payment processor: Stripe with an API key, in-memory fake otherwise.
	var proc processor.Client
	if cfg.StripeAPIKey != "" {
		breaker := circuitbreaker.New(5, 30*time.Second)
		proc = processor.WithBreaker(processor.NewStripeClient(cfg.StripeAPIKey), breaker)
		s.logger.Info("payment processor enabled (stripe)")
	} else {
		proc = processor.NewFake()
		s.logger.Info("payment processor in demo mode (in-memory fake)")
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory).
	var disputeStore dispute.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.txnStore = transaction.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.txnStore = transaction.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Listing catalogue: external service, or local fixtures for demos.
	var listings listing.Provider
	if cfg.ListingServiceURL != "" {
		listings = listing.NewHTTPProvider(cfg.ListingServiceURL)
		s.logger.Info("listing catalogue enabled", "url", cfg.ListingServiceURL)
	} else {
		mem := listing.NewMemoryProvider()
		seedDemoListings(mem)
		listings = mem
		s.logger.Info("listing catalogue in demo mode (in-memory fixtures)")
	}

	shipping := &listing.TableCalculator{
		Standard: cfg.ShippingStandard,
		Express:  cfg.ShippingExpress,
	}

	notifier := notify.NewDispatcher(s.notifyStore)

	s.txnService = transaction.NewService(s.txnStore, listings, shipping, transaction.Config{
		Fees: fees.RateConfig{
			MarginRate:        cfg.MarginRate,
			ProtectionFeeRate: cfg.ProtectionFeeRate,
			VATRate:           cfg.VATRate,
			MinCommission:     cfg.MinCommission,
			MaxCommission:     cfg.MaxCommission,
		},
		AutoReleaseDays:     cfg.AutoReleaseDays,
		PaymentDeadlineDays: cfg.PaymentDeadlineDays,
	})

	s.refunds = refund.NewOrchestrator(proc, s.txnStore)

	s.disputeSvc = dispute.NewService(disputeStore, s.txnStore, s.refunds, notifier, dispute.Config{
		ResponseDays:     cfg.DisputeResponseDays,
		SellerRefundDays: cfg.SellerRefundDays,
	})

	s.sweeper = sweeper.New(s.txnStore, proc, s.disputeSvc, notifier, s.logger, sweeper.Config{})
	s.sweepTimer = sweeper.NewTimer(s.sweeper, cfg.SweepInterval, s.logger)

	s.adminChecker = admin.NewStaticChecker(cfg.AdminUserIDs)

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

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// seedDemoListings loads a few fixtures so the checkout flow works out
// of the box in demo mode.
func seedDemoListings(p *listing.MemoryProvider) {
	p.Put(&listing.Snapshot{
		ListingID: "lst_demo_bike",
		SellerID:  "usr_demo_seller",
		Title:     "Mountain bike, barely used",
		ItemPrice: money.MustParse("450.00"),
	})
	p.Put(&listing.Snapshot{
		ListingID: "lst_demo_sofa",
		SellerID:  "usr_demo_seller",
		Title:     "Two-seat sofa",
		ItemPrice: money.MustParse("120.00"),
	})
	p.Put(&listing.Snapshot{
		ListingID: "lst_demo_watch",
		SellerID:  "usr_demo_seller2",
		Title:     "Vintage watch",
		ItemPrice: money.MustParse("1850.00"),
	})
}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
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
		if requestID == "" {
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

// identityMiddleware resolves the calling user from the gateway-set
// X-User-ID header. The platform gateway authenticates users before
// requests reach this service; the engine only needs to know who is
// calling and whether they are an operator.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Missing user identity",
			})
			return
		}
		if !validation.IsValidUserID(userID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Invalid user identity",
			})
			return
		}

		c.Set("userID", userID)
		c.Set("isAdmin", s.adminChecker.IsAdmin(userID))
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	txnHandler := transaction.NewHandler(s.txnService)
	disputeHandler := dispute.NewHandler(s.disputeSvc)
	notifyHandler := notify.NewHandler(s.notifyStore)
	adminHandler := admin.NewHandler(s.txnStore, s.disputeSvc, s.sweeper)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	// PROCESSOR WEBHOOKS (signature-authenticated, no user identity)
	txnHandler.RegisterWebhookRoutes(v1.Group("/webhooks"), s.cfg.WebhookSecret)

	// USER ROUTES (require identity from the gateway)
	authed := v1.Group("")
	authed.Use(s.identityMiddleware())
	txnHandler.RegisterRoutes(authed)
	disputeHandler.RegisterRoutes(authed)
	notifyHandler.RegisterRoutes(authed)

	// ADMIN ROUTES
	adm := authed.Group("")
	adm.Use(admin.RequireAdmin())
	adminHandler.RegisterRoutes(adm)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or fatal error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	cleanup, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesCleanup = cleanup
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start deadline sweeper
	go s.sweepTimer.Start(runCtx)

	// Start DB stats collector
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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesCleanup != nil {
		if err := s.tracesCleanup(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
