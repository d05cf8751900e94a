package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txguard/internal/health"
)

const (
	storePingTimeout = 2 * time.Second
	healthTimeout    = 5 * time.Second
)

func (s *Server) registerHealthChecks() {
	if p, ok := s.store.(health.Pinger); ok {
		s.checks.Register("store", health.PingCheck("store", p, storePingTimeout))
	}
	s.checks.Register("history_breaker", health.BreakerCheck("history_breaker", s.history.State))
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	report := s.checks.CheckAll(ctx)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    report.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !report.Healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleLive(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
}
