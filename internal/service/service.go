// Package service wires the sync engine together and runs it.
//
// A mutation flows through admission control (HTTP middleware), the
// optimistic-concurrency controller, the store transaction, the audit log
// and finally an asynchronous broadcast to every other device.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/devsync/internal/api"
	"github.com/mschirtzinger/devsync/internal/audit"
	"github.com/mschirtzinger/devsync/internal/config"
	"github.com/mschirtzinger/devsync/internal/ratelimit"
	"github.com/mschirtzinger/devsync/internal/realtime"
	"github.com/mschirtzinger/devsync/internal/store"
	dsync "github.com/mschirtzinger/devsync/internal/sync"
)

// Service owns every long-lived component.
type Service struct {
	cfg    *config.Config
	loader *config.Loader
	logger zerolog.Logger

	store       *store.Store
	limiter     *ratelimit.Limiter
	registry    *realtime.Registry
	broadcaster *realtime.Broadcaster
	monitor     *realtime.Monitor
	ws          *realtime.Server
	controller  *dsync.Controller
	resolver    *dsync.Resolver
	audit       *audit.Logger

	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New opens the store and builds all components. loader may be nil; when
// set, config file changes are applied while running.
func New(cfg *config.Config, loader *config.Loader, logger zerolog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		loader:     loader,
		logger:     logger.With().Str("component", "service").Logger(),
		store:      st,
		limiter:    ratelimit.New(limitsFrom(cfg.RateLimit)),
		registry:   realtime.NewRegistry(),
		controller: dsync.NewController(st, logger),
		resolver:   dsync.NewResolver(st, logger),
		audit:      audit.New(st, logger),
	}

	s.broadcaster = realtime.NewBroadcaster(s.registry, realtime.BroadcastConfig{
		BatchSize:  cfg.Realtime.BatchSize,
		BatchDelay: cfg.Realtime.BatchDelay,
	}, logger)
	s.monitor = realtime.NewMonitor(s.registry,
		cfg.Realtime.HeartbeatInterval,
		cfg.Realtime.ReapInterval,
		cfg.Realtime.LivenessTimeout,
		logger)

	s.ws, err = realtime.NewServer(realtime.Config{
		Registry:       s.registry,
		Broadcaster:    s.broadcaster,
		Limiter:        s.limiter,
		Verifier:       realtime.NewTokenVerifier(cfg.Auth.JWTSecret),
		OriginPatterns: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.Handle("/", api.NewHandler(s, s.limiter, logger))

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start listens on the configured address and launches the HTTP server and
// background tasks. They run until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr, err)
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("devsync listening")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.monitor.RunHeartbeat(gctx) })
	g.Go(func() error { return s.monitor.RunReaper(gctx) })
	g.Go(func() error { return s.limiter.Run(gctx) })
	if s.loader != nil {
		g.Go(func() error {
			return s.loader.Watch(gctx, s.applyConfig, func(err error) {
				s.logger.Warn().Err(err).Msg("ignoring config change")
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return nil
}

// Wait blocks until the service stops and returns the first task error.
func (s *Service) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop shuts the service down and closes the store.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.Wait()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Addr is the bound listen address. Empty before Start.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Store exposes the underlying store.
func (s *Service) Store() *store.Store { return s.store }

func (s *Service) shutdown() error {
	s.logger.Info().Msg("shutting down")
	s.ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.broadcaster.Wait()
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// applyConfig hot-applies the settings that can change while running.
func (s *Service) applyConfig(cfg *config.Config) {
	s.limiter.SetLimits(limitsFrom(cfg.RateLimit))
	s.logger.Info().
		Int("window_max", cfg.RateLimit.WindowMax).
		Int("burst_max", cfg.RateLimit.BurstMax).
		Msg("rate limits reloaded")
}

func limitsFrom(c config.RateLimitConfig) ratelimit.Limits {
	return ratelimit.Limits{
		WindowMax: c.WindowMax,
		BurstMax:  c.BurstMax,
		Window:    c.Window,
		Burst:     c.Burst,
		IdleTTL:   c.IdleTTL,
	}
}
