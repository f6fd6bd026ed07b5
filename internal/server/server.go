// Package server wires the session tracker into an HTTP server
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

	"github.com/mbd888/loanlens/internal/archive"
	"github.com/mbd888/loanlens/internal/config"
	"github.com/mbd888/loanlens/internal/health"
	"github.com/mbd888/loanlens/internal/idgen"
	"github.com/mbd888/loanlens/internal/logging"
	"github.com/mbd888/loanlens/internal/metrics"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/ratelimit"
	"github.com/mbd888/loanlens/internal/realtime"
	"github.com/mbd888/loanlens/internal/report"
	"github.com/mbd888/loanlens/internal/security"
	"github.com/mbd888/loanlens/internal/session"
	"github.com/mbd888/loanlens/internal/tracker"
	"github.com/mbd888/loanlens/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	registry     *patterns.Registry
	store        *session.Store
	service      *tracker.Service
	archive      archive.Store
	realtimeHub  *realtime.Hub
	sweeper      *tracker.Sweeper
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if the archive is in memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithArchive overrides the export archive (for testing)
func WithArchive(a archive.Store) Option {
	return func(s *Server) {
		s.archive = a
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance. It fails when the pattern catalog
// or loan rules cannot be loaded.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.registry, err = loadRegistry(cfg.PatternCatalogPath); err != nil {
		return nil, fmt.Errorf("failed to load pattern catalog: %w", err)
	}
	rules, err := loadRules(cfg.LoanRulesPath, cfg.MaxRollovers)
	if err != nil {
		return nil, fmt.Errorf("failed to load loan rules: %w", err)
	}
	s.logger.Info("rules loaded",
		"patterns", s.registry.Len(),
		"jurisdictions", rules.JurisdictionCodes(),
		"max_rollovers", rules.MaxRollovers,
	)

	s.store = session.NewStore(rules, patterns.NewDetector(s.registry),
		session.WithIdleTimeout(cfg.SessionIdleTimeout),
	)

	if s.archive == nil {
		if err := s.openArchive(); err != nil {
			return nil, err
		}
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.service = tracker.NewService(s.store, report.NewAggregator(s.registry)).
		WithArchive(s.archive).
		WithPublisher(s.realtimeHub)
	s.sweeper = tracker.NewSweeper(s.service, cfg.EvictionSchedule, s.logger)

	s.health = health.NewRegistry()
	s.health.Register("patterns", health.Catalog("patterns", s.registry.Len))
	s.health.Register("sessions", health.Gauge("sessions", "active", s.service.SessionCount))
	s.health.Register("archive", health.Ping("archive", s.archive))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func loadRegistry(path string) (*patterns.Registry, error) {
	if path == "" {
		return patterns.Default()
	}
	return patterns.LoadFile(path)
}

func loadRules(path string, maxRollovers int) (*session.LoanConfig, error) {
	var (
		rules *session.LoanConfig
		err   error
	)
	if path == "" {
		rules, err = session.DefaultLoanConfig()
	} else {
		rules, err = session.LoadLoanConfig(path)
	}
	if err != nil {
		return nil, err
	}
	rules.MaxRollovers = maxRollovers
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// openArchive connects the PostgreSQL archive when DATABASE_URL is set,
// otherwise falls back to memory.
func (s *Server) openArchive() error {
	if s.cfg.DatabaseURL == "" {
		s.archive = archive.NewMemoryStore()
		s.logger.Info("using in-memory export archive")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.DBConnMaxLife)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := archive.NewPostgresStore(db)
	if s.cfg.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return err
		}
	}

	s.db = db
	s.archive = pg
	s.logger.Info("using postgres export archive", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxBodyBytes))

	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, client) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Request()
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// requestTimeout bounds the request context of API calls.
func (s *Server) requestTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.RequestTimeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	h := tracker.NewHandler(s.service)

	v1 := s.router.Group("/v1")
	v1.Use(security.NoStoreMiddleware(), s.requestTimeout())
	v1.GET("/stats", s.statsHandler)
	h.RegisterRoutes(v1)

	s.router.GET("/ws/sessions/:id", h.StreamSession(s.realtimeHub))
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":    s.service.SessionCount(),
		"idleTimeout": s.store.IdleTimeout().String(),
		"patterns":    s.registry.Len(),
		"realtime":    s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	if err := s.sweeper.Start(); err != nil {
		cancel()
		return err
	}
	go s.realtimeHub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stops the hub and the DB stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.sweeper.Stop()
	s.logger.Info("session sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped", "sessions_dropped", s.service.SessionCount())
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
