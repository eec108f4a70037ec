package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shotmill/shotmill/config"
)

// Daemon is a background component whose lifecycle the server manages:
// worker pool, scanners, queue promoter, webhook deliverer, log flusher,
// backup.
type Daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

// Server runs the HTTP listener plus the registered daemons and shuts
// everything down in bounded time on SIGINT/SIGTERM.
type Server struct {
	cfg     *config.Provider
	handler http.Handler
	logger  *slog.Logger
	daemons []Daemon
}

func NewServer(cfg *config.Provider, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		daemons: make([]Daemon, 0),
	}
}

// AddDaemon registers a daemon; Run starts them in order and stops them in
// reverse order.
func (s *Server) AddDaemon(d Daemon) {
	if d == nil {
		s.logger.Warn("server: attempted to add a nil daemon")
		return
	}
	s.logger.Info("server: adding daemon", "daemon", d.Name())
	s.daemons = append(s.daemons, d)
}

// Run blocks until shutdown completes. It returns a non-nil error when the
// listener or a daemon failed to start.
func (s *Server) Run() error {
	serverCfg := s.cfg.Get().Server

	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       serverCfg.ReadTimeout.Duration,
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout.Duration,
		WriteTimeout:      serverCfg.WriteTimeout.Duration,
		IdleTimeout:       serverCfg.IdleTimeout.Duration,
	}

	started := make([]Daemon, 0, len(s.daemons))
	for _, d := range s.daemons {
		if err := d.Start(); err != nil {
			s.logger.Error("server: daemon failed to start", "daemon", d.Name(), "error", err)
			s.stopDaemons(started)
			return err
		}
		started = append(started, d)
	}

	serverError := make(chan error, 1)
	go func() {
		var err error
		if serverCfg.CertFile != "" {
			s.logger.Info("server: starting HTTPS listener", "addr", serverCfg.Addr)
			err = srv.ListenAndServeTLS(serverCfg.CertFile, serverCfg.KeyFile)
		} else {
			s.logger.Info("server: starting HTTP listener", "addr", serverCfg.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverError:
		s.logger.Error("server: listener failed", "error", err)
		s.stopDaemons(started)
		return err
	case sig := <-stop:
		s.logger.Info("server: received signal, shutting down", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownGracefulTimeout.Duration)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("server: graceful shutdown failed", "error", err)
	}
	s.stopDaemonsCtx(ctx, started)

	s.logger.Info("server: shutdown complete")
	return nil
}

func (s *Server) stopDaemons(daemons []Daemon) {
	cfg := s.cfg.Get().Server
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracefulTimeout.Duration)
	defer cancel()
	s.stopDaemonsCtx(ctx, daemons)
}

// stopDaemonsCtx stops in reverse start order so consumers drain before
// their dependencies disappear.
func (s *Server) stopDaemonsCtx(ctx context.Context, daemons []Daemon) {
	for i := len(daemons) - 1; i >= 0; i-- {
		d := daemons[i]
		if err := d.Stop(ctx); err != nil {
			s.logger.Error("server: daemon stop failed", "daemon", d.Name(), "error", err)
		}
	}
}
