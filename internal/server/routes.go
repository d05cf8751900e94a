package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txguard/internal/antifraud"
	"github.com/mbd888/txguard/internal/auth"
	"github.com/mbd888/txguard/internal/disputes"
	"github.com/mbd888/txguard/internal/idgen"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/ratelimit"
	"github.com/mbd888/txguard/internal/security"
	"github.com/mbd888/txguard/internal/validation"
)

const (
	requestIDHeader   = "X-Request-ID"
	maxRequestIDBytes = 128
)

// useMiddleware installs the chain. Request id and access logging run
// first so rejections further down are still traceable.
func (s *Server) useMiddleware() {
	s.router.Use(
		gin.CustomRecovery(s.recovered),
		s.requestID,
		s.accessLog,
		security.Headers(s.cfg.IsProduction()),
		security.CORS(s.cfg.CORSOrigins),
		validation.BodyLimit(validation.MaxRequestSize),
		s.limiter.Middleware(ratelimit.ByCaller),
		metrics.Middleware(),
	)
}

func (s *Server) recovered(c *gin.Context, err any) {
	logging.L(c.Request.Context()).Error("panic recovered", "error", err, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
}

// requestID adopts the caller's X-Request-ID when it is sane, otherwise
// mints one, and puts it on the response and the logging context.
func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" || len(id) > maxRequestIDBytes {
		id = idgen.WithPrefix("req_")
	}

	ctx := logging.WithLogger(c.Request.Context(), s.logger)
	c.Request = c.Request.WithContext(logging.WithRequestID(ctx, id))
	c.Header(requestIDHeader, id)
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	attrs := []any{
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", status,
		"latency_ms", time.Since(start).Milliseconds(),
	}
	logger := logging.L(c.Request.Context())
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request", append(attrs, "client_ip", c.ClientIP())...)
	case status >= http.StatusBadRequest:
		logger.Warn("request", attrs...)
	default:
		logger.Info("request", attrs...)
	}
}

func (s *Server) mountRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())

	creds := auth.NewCredentials(s.cfg.AuthUser, s.cfg.AuthPass)
	if !creds.Enabled() {
		s.logger.Warn("basic auth disabled; /v1 and /ws are open")
	}
	requireAuth := auth.RequireBasicAuth(creds)

	s.router.GET("/ws", requireAuth, func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	if s.cfg.StripeWebhookSecret != "" {
		// Signed by Stripe, so it sits outside basic auth.
		disputes.NewStripeHandler(s.cfg.StripeWebhookSecret, s.service).RegisterRoutes(v1)
		s.logger.Info("stripe dispute webhook enabled")
	}
	antifraud.NewHandler(s.service).RegisterRoutes(v1.Group("", requireAuth))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not-found"})
	})
}
