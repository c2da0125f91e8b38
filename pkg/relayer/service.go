// Package relayer wires the chain adapters, the settlement engine and the HTTP
// servers into one service.
package relayer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speedrun-hq/htlc-relayer/pkg/api"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains/bch"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains/movement"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains/solana"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/health"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
	"github.com/speedrun-hq/htlc-relayer/pkg/settlement"
)

const (
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 10 * time.Second
)

// Service runs the relayer
type Service struct {
	config   *config.Config
	adapters map[models.Chain]chains.Adapter
	registry *registry.Registry
	engine   *settlement.Engine
	factory  *settlement.Factory
	api      *api.Server
	health   *health.Server
	logger   logger.Logger
}

// NewService creates the adapters of every enabled chain and the service around them
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	stdLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	adapters := make(map[models.Chain]chains.Adapter)
	if cfg.BCH != nil {
		adapter, err := bch.NewAdapter(cfg.BCH, cfg.Network, stdLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", models.ChainBCH, err)
		}
		adapters[models.ChainBCH] = adapter
	}
	if cfg.Solana != nil {
		adapter, err := solana.NewAdapter(cfg.Solana, stdLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", models.ChainSolana, err)
		}
		adapters[models.ChainSolana] = adapter
	}
	if cfg.Movement != nil {
		adapter, err := movement.NewAdapter(cfg.Movement, stdLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", models.ChainMovement, err)
		}
		adapters[models.ChainMovement] = adapter
	}

	// An unreachable chain is not fatal, its circuit breaker takes over once running
	for chain, adapter := range adapters {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		if err := adapter.Ping(pingCtx); err != nil {
			stdLogger.ErrorWithChain(chain, "Chain not reachable at startup: %v", err)
		}
		cancel()
	}

	return NewServiceWithAdapters(cfg, adapters, stdLogger)
}

// NewServiceWithAdapters builds the service around existing adapters
func NewServiceWithAdapters(cfg *config.Config, adapters map[models.Chain]chains.Adapter, log logger.Logger) (*Service, error) {
	if len(adapters) < 2 {
		return nil, fmt.Errorf("at least two chains must be enabled, got %d", len(adapters))
	}

	reg := registry.New(cfg.CompletedRetention)
	engine := settlement.NewEngine(cfg, reg, adapters, log)
	factory := settlement.NewFactory(adapters, reg, cfg.Timelocks, engine, log)

	window := cfg.IdempotencyWindow
	if window <= 0 {
		window = config.DefaultIdempotencyWindow * time.Second
	}

	return &Service{
		config:   cfg,
		adapters: adapters,
		registry: reg,
		engine:   engine,
		factory:  factory,
		api:      api.NewServer(cfg.APIPort, factory, engine, reg, adapters, api.NewMemoryStore(), window, log),
		health:   health.NewServer(cfg.MetricsPort, adapters, engine.Breakers(), reg, cfg.MetricsAPIKey, log),
		logger:   log,
	}, nil
}

// Engine returns the settlement engine
func (s *Service) Engine() *settlement.Engine {
	return s.engine
}

// Factory returns the intent factory
func (s *Service) Factory() *settlement.Factory {
	return s.factory
}

// Registry returns the intent registry
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Start runs the engine and both HTTP servers until ctx is done or one of them fails
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.engine.Start(gctx)
	})
	g.Go(s.api.Start)
	g.Go(s.health.Start)
	g.Go(func() error {
		s.api.PruneIdempotencyKeys(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Notice("Shutting down HTTP servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.api.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown: %v", err)
		}
		if err := s.health.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health server shutdown: %v", err)
		}
		return nil
	})

	err := g.Wait()
	s.close()
	return err
}

// close releases adapter connections
func (s *Service) close() {
	for _, adapter := range s.adapters {
		if closer, ok := adapter.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
