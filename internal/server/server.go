// Package server sets up the HTTP server with all routes
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/eelnxz09/anamoly-processing/internal/cache"
	"github.com/eelnxz09/anamoly-processing/internal/circuitbreaker"
	"github.com/eelnxz09/anamoly-processing/internal/config"
	"github.com/eelnxz09/anamoly-processing/internal/explain"
	"github.com/eelnxz09/anamoly-processing/internal/feed"
	"github.com/eelnxz09/anamoly-processing/internal/health"
	"github.com/eelnxz09/anamoly-processing/internal/logging"
	"github.com/eelnxz09/anamoly-processing/internal/metrics"
	"github.com/eelnxz09/anamoly-processing/internal/model"
	"github.com/eelnxz09/anamoly-processing/internal/pipeline"
	"github.com/eelnxz09/anamoly-processing/internal/ratelimit"
	"github.com/eelnxz09/anamoly-processing/internal/realtime"
	"github.com/eelnxz09/anamoly-processing/internal/risk"
	"github.com/eelnxz09/anamoly-processing/internal/scheduler"
	"github.com/eelnxz09/anamoly-processing/internal/security"
	"github.com/eelnxz09/anamoly-processing/internal/traces"
	"github.com/eelnxz09/anamoly-processing/internal/validation"
	"github.com/eelnxz09/anamoly-processing/internal/warehouse"
	"github.com/eelnxz09/anamoly-processing/internal/webhooks"
	"github.com/eelnxz09/anamoly-processing/migrations"
)

// Version is reported by the health and info endpoints.
const Version = "0.1.0"

const (
	cacheSweepSchedule = "@every 10m"
	feedBreakerTrips   = 5
	feedBreakerOpen    = time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	cache       cache.Cache
	service     *pipeline.Service
	realtimeHub *realtime.Hub
	webhooks    *webhooks.Dispatcher
	hookStore   webhooks.Store
	urlGuard    func(string) error // nil allows private hosts
	scheduler   *scheduler.Scheduler
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
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
		health:     health.NewRegistry(2 * time.Second),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		store   warehouse.Store
		cursors feed.CursorStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		store = warehouse.NewPostgresStore(db)
		cursors = feed.NewPostgresCursorStore(db)
		s.hookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = warehouse.NewMemoryStore()
		cursors = feed.NewMemoryCursorStore()
		s.hookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Explanation cache: Redis if REDIS_URL set, otherwise in-process
	var memCache *cache.MemoryCache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, "anomaly:")
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.cache = rc
		s.logger.Info("using Redis explanation cache")
	} else {
		memCache = cache.NewMemoryCache()
		s.cache = memCache
	}
	s.health.RegisterInfo("cache", health.Ping("cache", s.cache.Ping))

	// Outbound URLs (feeds, webhooks) must not reach internal hosts in production
	if !cfg.FeedAllowPrivate {
		s.urlGuard = security.EndpointGuard(nil)
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.hookStore, s.logger, webhooks.WithURLValidator(s.urlGuard))

	popts := pipelineOptions(cfg)
	popts.Cache = s.cache
	popts.CacheTTL = cfg.ExplainCacheTTL
	popts.Cursors = cursors
	popts.Notifier = pipeline.Notifiers{s.realtimeHub, s.webhooks}
	popts.Breaker = circuitbreaker.New(feedBreakerTrips, feedBreakerOpen)
	popts.EndpointGuard = s.urlGuard

	wh := warehouse.New(store, s.logger)
	s.service = pipeline.NewService(wh, model.NewRegistry(s.logger), popts, s.logger)

	s.health.Register("warehouse", health.Ping("warehouse", wh.Ping))
	s.health.RegisterInfo("model", func(context.Context) health.Status {
		info, err := s.service.ModelInfo()
		if err != nil {
			return health.Status{Name: "model", Healthy: false, Detail: "no model trained"}
		}
		return health.Status{Name: "model", Healthy: true, Detail: fmt.Sprintf("v%d %s", info.Version, info.Variant)}
	})
	s.health.RegisterInfo("live_feed", func(context.Context) health.Status {
		st, err := s.service.FeedStatus()
		if err != nil {
			return health.Status{Name: "live_feed", Healthy: true, Detail: "not connected"}
		}
		return health.Status{Name: "live_feed", Healthy: st.LastError == "", Detail: st.LastError}
	})

	sched, err := scheduler.New(cfg.RetrainSchedule, s.service, s.logger)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	if memCache != nil {
		if err := sched.AddSweep(cacheSweepSchedule, memCache); err != nil {
			s.closeDB()
			return nil, err
		}
	}
	s.scheduler = sched

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// pipelineOptions maps configuration onto scoring options.
func pipelineOptions(cfg *config.Config) pipeline.Options {
	t := cfg.Tuning
	return pipeline.Options{
		Location: cfg.Location(),
		Params: model.Params{
			Contamination:   cfg.DefaultContamination,
			Variant:         model.Variant(cfg.DefaultVariant),
			Seed:            cfg.ModelSeed,
			Trees:           t.Trees,
			BoundaryMaxRows: t.BoundaryMaxRows,
			IsolationWeight: t.IsolationWeight,
			BoundaryWeight:  t.BoundaryWeight,
		},
		Risk: risk.Config{
			LowMax:    t.LowMax,
			MediumMax: t.MediumMax,
			HighMax:   t.HighMax,
			Boost:     t.AnomalyBoost,
		},
		Explain: explain.Config{
			MinUserHistory: t.MinUserHistory,
			LowPercentile:  t.UnusualLowPctl,
			HighPercentile: t.UnusualHighPctl,
			MaxReasons:     t.MaxExplainReason,
		},
		Feed: feed.Config{
			Interval:     cfg.FeedPollInterval,
			CycleTimeout: cfg.FeedCycleTimeout,
		},
		FeedTimeout: cfg.FeedCycleTimeout,
		AutoScore:   cfg.FeedAutoScore,
	}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Uploads are the largest bodies
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxUploadBytes))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         2 * s.cfg.RateLimitRPS,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, client) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// health checks and scrapes are too frequent to log
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
	s.router.GET("/", s.infoHandler)

	// Alert stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	pipeline.NewHandler(s.service).RegisterRoutes(v1)
	webhooks.NewHandler(s.hookStore, s.webhooks, s.urlGuard).RegisterRoutes(v1)
	v1.GET("/realtime", s.realtimeStatsHandler)
	v1.GET("/scheduler", s.schedulerStatsHandler)
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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

// readinessHandler reports whether the server accepts traffic. A missing
// model does not make the server unready: uploads and training still work.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ready",
		"model_serving": s.service.Ready(),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "anomaly-processing",
		"version": Version,
		"endpoints": gin.H{
			"upload":      "POST /v1/uploads",
			"feeds":       "POST|GET|DELETE /v1/feeds",
			"train":       "POST /v1/model/train",
			"score":       "POST /v1/model/score",
			"model":       "GET /v1/model",
			"query":       "GET /v1/transactions",
			"transaction": "GET /v1/transactions/:id",
			"explain":     "GET /v1/transactions/:id/explain",
			"profile":     "GET /v1/users/:id/profile",
			"statistics":  "GET /v1/statistics",
			"alerts":      "GET /ws",
			"webhooks":    "POST|GET /v1/webhooks",
		},
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) schedulerStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"retrain_schedule": s.cfg.RetrainSchedule,
		"jobs":             s.scheduler.Jobs(),
		"stats":            s.scheduler.Stats(),
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
		ReadHeaderTimeout: 5 * time.Second,
		// Uploads and training can be slow; the websocket manages its own deadlines.
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.webhooks.Run(runCtx)
	s.scheduler.Start()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	s.scheduler.Stop(ctx)
	s.logger.Info("scheduler stopped")

	// Stops the live-feed poller
	s.service.Close()

	// Hub and DB stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Error("cache close error", "error", err)
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the scoring service.
func (s *Server) Service() *pipeline.Service {
	return s.service
}
