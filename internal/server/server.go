// Package server wires the core payment control plane (Policy Engine,
// Spend Ledger, Alert Evaluator, Dispute Manager, Recovery Engine, Circuit
// Breaker, Facilitator Adapter) behind a thin HTTP facade. The facade is
// explicitly outside the core's scope — it is the external consumer the
// core's interfaces are built against, not part of the decisioning path.
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentry/internal/alerts"
	"github.com/mbd888/paysentry/internal/analytics"
	"github.com/mbd888/paysentry/internal/circuitbreaker"
	"github.com/mbd888/paysentry/internal/config"
	"github.com/mbd888/paysentry/internal/dispute"
	"github.com/mbd888/paysentry/internal/facilitator"
	"github.com/mbd888/paysentry/internal/health"
	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/logging"
	"github.com/mbd888/paysentry/internal/metrics"
	"github.com/mbd888/paysentry/internal/policy"
	"github.com/mbd888/paysentry/internal/provenance"
	"github.com/mbd888/paysentry/internal/ratelimit"
	"github.com/mbd888/paysentry/internal/realtime"
	"github.com/mbd888/paysentry/internal/recovery"
)

// Engines bundles the core components the facade wraps. Every field except
// Hub is required; New returns an error if one of them is missing. A nil
// Hub disables the /ws endpoint and realtime alert fan-out.
type Engines struct {
	Policy     *policy.Engine
	Ledger     *ledger.Ledger
	Provenance *provenance.Log
	Alerts     *alerts.Evaluator
	Analytics  *analytics.Service
	Disputes   *dispute.Manager
	Recovery   *recovery.Engine
	Breaker    *circuitbreaker.Breaker
	Adapter    *facilitator.Adapter
	Hub        *realtime.Hub
}

// Server is the HTTP facade: gin router, middleware, and the wrapped
// engines above.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	engines Engines

	router      *gin.Engine
	httpSrv     *http.Server
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	alertLog    *alertHistory

	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithEngines supplies the core component graph the facade wraps. Required.
func WithEngines(e Engines) Option {
	return func(s *Server) { s.engines = e }
}

// New builds a Server: applies options, validates the engine graph,
// registers the default health checks, subscribes to fired alerts for the
// realtime hub and in-memory alert history, and configures gin routes.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   slog.Default(),
		health:   health.NewRegistry(),
		alertLog: newAlertHistory(500),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.engines.validate(); err != nil {
		return nil, err
	}

	s.health.Register("api", func(ctx context.Context) health.Status {
		return health.Status{Name: "api", Healthy: true}
	})

	s.engines.Alerts.OnAlert(s.alertLog.record)
	if s.engines.Hub != nil {
		s.engines.Alerts.OnAlert(s.engines.Hub.BroadcastAlert)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (e Engines) validate() error {
	switch {
	case e.Policy == nil:
		return errors.New("server: Policy engine is required")
	case e.Ledger == nil:
		return errors.New("server: Ledger is required")
	case e.Provenance == nil:
		return errors.New("server: Provenance log is required")
	case e.Alerts == nil:
		return errors.New("server: Alert evaluator is required")
	case e.Analytics == nil:
		return errors.New("server: Analytics service is required")
	case e.Disputes == nil:
		return errors.New("server: Dispute manager is required")
	case e.Recovery == nil:
		return errors.New("server: Recovery engine is required")
	case e.Breaker == nil:
		return errors.New("server: Circuit breaker is required")
	case e.Adapter == nil:
		return errors.New("server: Facilitator adapter is required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	s.router.Use(securityHeaders())
	s.router.Use(corsMiddleware())
	s.router.Use(gzipMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

		fields := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// apiKeyMiddleware enforces a single shared API key, compared by its
// sha256 hash in constant time against cfg.APIKeyHash. A no-op when no
// hash is configured, so local/demo deployments can run unauthenticated.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKeyHash == "" {
			c.Next()
			return
		}
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" || !hashMatches(raw, s.cfg.APIKeyHash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid API key",
			})
			return
		}
		c.Next()
	}
}

// adminMiddleware additionally requires X-Admin-Secret to match
// cfg.AdminSecret. A no-op when no admin secret is configured.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin secret required",
			})
			return
		}
		c.Next()
	}
}

func hashMatches(raw, wantHash string) bool {
	sum := sha256.Sum256([]byte(raw))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Admin-Secret")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) { return w.writer.Write(data) }

func (w *gzipWriter) WriteString(s string) (int, error) { return w.writer.Write([]byte(s)) }

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			_ = gz.Close()
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		if s.engines.Hub == nil {
			c.Status(http.StatusNotImplemented)
			return
		}
		s.engines.Hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(s.apiKeyMiddleware())
	{
		v1.POST("/policy/evaluate", s.handleEvaluate)
		v1.GET("/policies", s.handleListPolicies)

		v1.GET("/agents/:agentId/spend", s.handleGetSpend)
		v1.GET("/agents/:agentId/analytics", s.handleAgentAnalytics)

		v1.GET("/alerts", s.handleListAlerts)

		v1.GET("/transactions", s.handleQueryTransactions)
		v1.GET("/transactions/:id", s.handleGetTransaction)
		v1.GET("/transactions/:id/provenance", s.handleGetProvenance)

		v1.POST("/disputes", s.handleFileDispute)
		v1.GET("/disputes", s.handleQueryDisputes)
		v1.GET("/disputes/:id", s.handleGetDispute)
		v1.POST("/disputes/:id/evidence", s.handleAddEvidence)
		v1.POST("/disputes/:id/resolve", s.handleResolveDispute)

		v1.POST("/recovery/:disputeId/initiate", s.handleInitiateRecovery)
		v1.POST("/recovery/process", s.handleProcessRecoveryQueue)
		v1.GET("/recovery", s.handleListRecovery)
		v1.GET("/recovery/:id", s.handleGetRecovery)
		v1.POST("/recovery/:id/cancel", s.handleCancelRecovery)

		v1.GET("/breaker", s.handleListBreakerSnapshots)
		v1.GET("/breaker/:facilitatorKey", s.handleGetBreakerSnapshot)

		v1.POST("/x402/verify", s.handleX402Verify)
		v1.POST("/x402/settle", s.handleX402Settle)
		v1.GET("/x402/supported", s.handleX402Supported)
	}

	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	{
		admin.POST("/policies", s.handleLoadPolicy)
		admin.DELETE("/policies/:id", s.handleRemovePolicy)
		admin.POST("/breaker/:facilitatorKey/reset", s.handleResetBreaker)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers (realtime hub) and
// blocks until ctx is cancelled or a termination signal arrives, then
// performs a graceful Shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.engines.Hub != nil {
		go s.engines.Hub.Run(runCtx)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the HTTP server and background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
