// Package app wires configuration, persistence, the lease manager and the
// HTTP API into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ssh-port-lease/internal/api"
	"ssh-port-lease/internal/config"
	"ssh-port-lease/internal/lease"
	"ssh-port-lease/internal/logging"
	"ssh-port-lease/internal/store"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg      config.Config
	store    store.Store
	manager  *lease.Manager
	registry *prometheus.Registry
	handler  http.Handler
}

// New builds the server and restores persisted leases. now is the clock
// shared by the lease manager and the store; nil selects the UTC wall clock.
func New(ctx context.Context, cfg config.Config, now func() time.Time) (*Server, error) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	allocator, err := lease.NewPortAllocator(cfg.PortMin, cfg.PortMax, cfg.ReservedPorts)
	if err != nil {
		return nil, fmt.Errorf("init port allocator: %w", err)
	}

	leaseStore, err := store.New(StoreConfig(cfg), store.Dependencies{Clock: now})
	if err != nil {
		return nil, fmt.Errorf("init %s store: %w", cfg.Store.Driver, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := lease.NewManager(
		allocator,
		leaseStore,
		lease.WithClock(now),
		lease.WithDefaultMinutes(cfg.DefaultLeaseMinutes),
		lease.WithMaxMinutes(cfg.MaxLeaseMinutes),
		lease.WithSweepInterval(time.Duration(cfg.SweepIntervalSec) * time.Second),
		lease.WithMetrics(lease.NewMetrics(registry)),
	)

	restored, err := manager.Restore(ctx)
	if err != nil {
		_ = leaseStore.Close(ctx)
		return nil, err
	}
	logging.L().Info(
		"lease table ready",
		"store",
		leaseStore.Driver(),
		"restored",
		restored,
		"port_min",
		cfg.PortMin,
		"port_max",
		cfg.PortMax,
		"pool_size",
		allocator.Size(),
	)

	mux := http.NewServeMux()
	api.NewHandler(cfg, manager, registry).Register(mux)

	return &Server{
		cfg:      cfg,
		store:    leaseStore,
		manager:  manager,
		registry: registry,
		handler:  api.WithRequestLogging(mux),
	}, nil
}

// StoreConfig maps the flat config section onto store.Config.
func StoreConfig(cfg config.Config) store.Config {
	return store.Config{
		Driver: cfg.Store.Driver,
		SQLite: &store.SQLiteConfig{DSN: cfg.Store.SQLiteDSN},
		Redis: &store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Username: cfg.Store.RedisUsername,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Manager() *lease.Manager {
	return s.manager
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.APIListenAddr)
	if err != nil {
		_ = s.Close(ctx)
		return fmt.Errorf("listen on %s: %w", s.cfg.APIListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the expiry reaper until ctx is done,
// then shuts both down and closes the store.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.manager.RunReaper(groupCtx)
	})
	group.Go(func() error {
		logging.L().Info("starting http server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.L().Error("http server shutdown failed", "error", err)
			return err
		}
		logging.L().Info("http server stopped")
		return nil
	})

	err := group.Wait()
	if closeErr := s.Close(context.Background()); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("close %s store: %w", s.store.Driver(), err)
	}
	return nil
}

// Run builds a server from cfg and serves until ctx is done.
func Run(ctx context.Context, cfg config.Config) error {
	server, err := New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}
