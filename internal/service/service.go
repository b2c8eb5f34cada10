package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archrelight/archrelight/internal/config"
	"github.com/archrelight/archrelight/internal/jobs"
	"github.com/archrelight/archrelight/internal/models"
	"github.com/archrelight/archrelight/internal/pipeline"
	"github.com/archrelight/archrelight/internal/replicate"
	"github.com/archrelight/archrelight/internal/server"
	"github.com/archrelight/archrelight/internal/util"
	"github.com/archrelight/archrelight/internal/webhook"
)

const (
	apiRequestTimeout = 30 * time.Second
	shutdownGrace     = 30 * time.Second
)

// Service is the root lifecycle owner for the enhance server
type Service struct {
	cfg config.Config

	// Lifecycle state
	started         chan struct{}
	stopped         chan struct{}
	shutdown        chan struct{}
	shutdownStarted atomic.Bool

	httpServer *http.Server
	handler    *server.Handler
	closeCache func() error

	logger *zap.Logger
}

// New creates a new Service with the given configuration
func New(cfg config.Config, baseLogger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		shutdown: make(chan struct{}),
		logger:   baseLogger.Named("service"),
	}
}

// NewOrchestrator wires the prediction client, the model resolver and the job
// runner into a pipeline. The returned func releases the version cache.
func NewOrchestrator(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pipeline.Orchestrator, func() error, error) {
	pc, err := cfg.Pipeline()
	if err != nil {
		return nil, nil, err
	}

	client := replicate.NewClient(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken, util.HTTPClient(apiRequestTimeout), logger)

	var cache models.VersionCache = models.NewMemoryCache()
	closeCache := func() error { return nil }
	if cfg.RedisURL != "" {
		rc, err := models.NewRedisCacheFromURL(ctx, cfg.RedisURL, cfg.RedisTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: --redis-url: %w", config.ErrConfiguration, err)
		}
		cache = rc
		closeCache = rc.Close
	}

	resolver := models.NewResolver(client, cache, logger)
	runner := jobs.NewRunner(client, jobs.Options{
		CancelOnTimeout: cfg.CancelOnTimeout,
		Webhook:         cfg.ProviderWebhook,
	}, logger)
	return pipeline.New(pc, resolver, runner, util.HTTPClientWithRetry(), logger), closeCache, nil
}

// Initialize sets up the service components (idempotent)
func (s *Service) Initialize(ctx context.Context) error {
	if s.httpServer != nil {
		return nil
	}

	log := s.logger.Sugar()
	log.Info("initializing HTTP server")

	orch, closeCache, err := NewOrchestrator(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.closeCache = closeCache

	s.handler = server.NewHandler(server.Config{
		AllowedOrigin:   s.cfg.AllowedOrigin,
		MaxUploadBytes:  s.cfg.MaxUploadBytes,
		PipelineTimeout: s.cfg.PipelineTimeout,
	}, orch, webhook.NewSender(s.logger))

	s.httpServer = server.NewServer(net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)), s.handler)
	s.httpServer.ReadHeaderTimeout = 5 * time.Second
	s.httpServer.BaseContext = func(l net.Listener) context.Context { return ctx }
	return nil
}

// Run starts the service and blocks until shutdown
func (s *Service) Run(ctx context.Context) error {
	log := s.logger.Sugar()

	select {
	case <-s.started:
		log.Errorw("service already started")
		return nil
	default:
	}

	if s.httpServer == nil {
		return fmt.Errorf("service not initialized - call Initialize() first")
	}

	log.Infow("starting service",
		"addr", s.httpServer.Addr,
		"depth_model", s.cfg.DepthModel,
		"synthesis_model", s.cfg.SynthesisModel,
		"upscale_model", s.cfg.UpscaleModel,
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		select {
		case <-s.shutdown:
		case <-egCtx.Done():
		}
		// A requested shutdown stays graceful even if ctx ends at the same time.
		if !s.shutdownRequested() {
			// Context canceled = immediate hard shutdown, no grace period
			log.Info("context canceled, forcing immediate shutdown")
			s.shutdownStarted.Store(true)
			stopCtx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = s.handler.Stop(stopCtx)
			if err := s.httpServer.Close(); err != nil {
				log.Errorw("failed to close HTTP server", "error", err)
			}
			return egCtx.Err()
		}

		log.Info("initiating graceful shutdown")
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(graceCtx); err != nil {
			log.Errorw("error shutting down HTTP server", "error", err)
		}
		log.Info("waiting for async requests")
		if err := s.handler.Stop(graceCtx); err != nil {
			log.Errorw("error stopping handler", "error", err)
		}
		return nil
	})

	eg.Go(func() error {
		return s.handleSignals(egCtx)
	})

	close(s.started)

	err := eg.Wait()

	s.stop()

	return err
}

// Shutdown initiates graceful shutdown of the service (non-blocking)
func (s *Service) Shutdown() {
	log := s.logger.Sugar()
	log.Info("shutdown requested")

	// Use atomic CAS to ensure only one shutdown
	if !s.shutdownStarted.CompareAndSwap(false, true) {
		log.Debug("already shutting down")
		return
	}

	close(s.shutdown)
}

func (s *Service) shutdownRequested() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// stop performs final cleanup after shutdown
func (s *Service) stop() {
	log := s.logger.Sugar()
	log.Info("stopping service")

	select {
	case <-s.stopped:
		log.Debug("service already stopped")
	default:
		if s.closeCache != nil {
			if err := s.closeCache(); err != nil {
				log.Warnw("failed to close version cache", "error", err)
			}
		}
		close(s.stopped)
	}
}

// IsStarted returns true if the service has been started
func (s *Service) IsStarted() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

// IsStopped returns true if the service has been stopped
func (s *Service) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// IsRunning returns true if the service is running (started but not stopped)
func (s *Service) IsRunning() bool {
	return s.IsStarted() && !s.IsStopped()
}

// handleSignals turns SIGTERM and interrupts into a graceful shutdown. The
// service owns these signals while it runs.
func (s *Service) handleSignals(ctx context.Context) error {
	log := s.logger.Sugar()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-s.shutdown:
		return nil
	case <-ctx.Done():
		return nil
	case sig := <-ch:
		log.Infow("received signal, starting graceful shutdown", "signal", sig)
		s.Shutdown()
		return nil
	}
}
