// Package server assembles the scoring API: storage, engine, realtime feed,
// and the HTTP surface in front of them.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txguard/internal/antifraud"
	"github.com/mbd888/txguard/internal/circuitbreaker"
	"github.com/mbd888/txguard/internal/config"
	"github.com/mbd888/txguard/internal/health"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/ratelimit"
	"github.com/mbd888/txguard/internal/realtime"
	"github.com/mbd888/txguard/internal/recommendation"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/transactions"
)

// Version is reported by /health and the tracer resource. Set by ldflags.
var Version = "dev"

// Server owns every long-lived component of the process.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store      transactions.Store
	closeStore func() error
	db         *sql.DB // set only for PostgreSQL

	history *recommendation.BreakerProvider
	engine  *recommendation.Engine
	service *antifraud.Service
	hub     *realtime.Hub
	checks  *health.Registry
	limiter *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

	stopBackground context.CancelFunc
	shutdownTraces traces.ShutdownFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customizes New.
type Option func(*Server)

// WithLogger replaces the logger built from LOG_LEVEL and LOG_FORMAT.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore injects a store and skips DATABASE_URL and BOLT_PATH.
func WithStore(store transactions.Store) Option {
	return func(s *Server) { s.store = store }
}

// New wires the server. It opens storage and applies migrations but starts
// nothing; call Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		if err := s.openStore(context.Background()); err != nil {
			return nil, err
		}
	}

	ruleSet, err := recommendation.LookupRuleSet(cfg.RuleSet)
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.New(circuitbreaker.Settings{
		Name:      "history",
		Threshold: cfg.HistoryBreakerThreshold,
		Cooldown:  cfg.HistoryBreakerOpen,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker transition", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	s.history = recommendation.NewBreakerProvider(recommendation.NewStoreProvider(s.store), breaker)
	s.engine = recommendation.NewEngine(s.history,
		recommendation.WithRuleSet(ruleSet),
		recommendation.WithTimeout(cfg.ScoreTimeout),
	)
	s.hub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.service = antifraud.NewService(s.store, s.engine).WithPublisher(s.hub)
	s.logger.Info("scoring engine ready", "rule_set", ruleSet.Version, "timeout", cfg.ScoreTimeout)

	s.registerHealthChecks()

	rl := ratelimit.DefaultConfig()
	rl.PerMinute = cfg.RateLimitRPM
	rl.Burst = cfg.RateLimitBurst
	s.limiter = ratelimit.New(rl)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.useMiddleware()
	s.mountRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the scoring service.
func (s *Server) Service() *antifraud.Service {
	return s.service
}
