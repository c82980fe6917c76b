package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run serves HTTP and the background janitors until ctx is cancelled or a
// shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	defer func() { _ = s.store.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("roomchat server running", "addr", s.cfg.Addr, "rooms", s.rooms.Count())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.log.Info("shutting down...")
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	done := s.ctx.Done()
	s.attachments.StartJanitor(done)
	s.sessions.StartReaper(time.Minute, s.cfg.SessionIdleTimeout, done)
	if s.cfg.MetricsLogInterval > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, done)
	}

	return g.Wait()
}

// Shutdown gracefully stops a running server.
func (s *Server) Shutdown() {
	s.cancel()
}
