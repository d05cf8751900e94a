package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/traces"
	"golang.org/x/sync/errgroup"
)

const (
	drainDelay      = 5 * time.Second
	shutdownTimeout = 30 * time.Second
	collectInterval = 15 * time.Second
)

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the
// listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     Version,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bg, stopBackground := context.WithCancel(context.Background())
	s.stopBackground = stopBackground
	go s.hub.Run(bg)
	go metrics.RunCollector(bg, s.db, collectInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String(), "rule_set", s.engine.RuleSet().Version)
		s.ready.Store(true)
		if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", "cause", context.Cause(gctx))
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown drains HTTP traffic, then stops background work and closes
// storage. Production waits drainDelay first so load balancers notice.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.cfg.IsProduction() {
		time.Sleep(drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.stopBackground != nil {
		s.stopBackground()
	}
	s.limiter.Stop()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("flush traces", "error", err)
		}
	}
	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
