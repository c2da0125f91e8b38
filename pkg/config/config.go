package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// Config holds the configuration for the relayer service
type Config struct {
	Network             string
	PollingInterval     time.Duration
	WorkerCount         int
	ChainMaxConcurrency int
	ChainRateLimit      float64
	Retry               RetryConfig
	CompletedRetention  int
	Timelocks           TimelockConfig
	APIPort             string
	MetricsPort         string
	MetricsAPIKey       string
	IdempotencyWindow   time.Duration
	CircuitBreaker      CircuitBreakerConfig
	LoggerConfig        LoggerConfig

	// nil when the chain is disabled
	BCH      *BCHConfig
	Solana   *SolanaConfig
	Movement *MovementConfig
}

// RetryConfig holds the retry policy of the settlement engine
type RetryConfig struct {
	MaxFillRetries      int
	ClaimBackoff        time.Duration
	ClaimBackoffMax     time.Duration
	ClaimAlertThreshold int
}

// TimelockConfig holds per-chain timelock durations
type TimelockConfig struct {
	Source       map[models.Chain]time.Duration
	Dest         map[models.Chain]time.Duration
	SafetyMargin time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// EnabledChains returns the chains that have a configured relayer key
func (c *Config) EnabledChains() []models.Chain {
	var chains []models.Chain
	if c.BCH != nil {
		chains = append(chains, models.ChainBCH)
	}
	if c.Solana != nil {
		chains = append(chains, models.ChainSolana)
	}
	if c.Movement != nil {
		chains = append(chains, models.ChainMovement)
	}
	return chains
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	network, err := GetEnvNetwork()
	if err != nil {
		return nil, err
	}

	pollingInterval, err := GetEnvPollingInterval()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	chainConcurrency, err := GetEnvChainMaxConcurrency()
	if err != nil {
		return nil, err
	}

	chainRateLimit, err := GetEnvChainRateLimit()
	if err != nil {
		return nil, err
	}

	maxFillRetries, err := GetEnvMaxFillRetries()
	if err != nil {
		return nil, err
	}

	claimBackoff, claimBackoffMax, err := GetEnvClaimRetryBackoff()
	if err != nil {
		return nil, err
	}

	claimAlertThreshold, err := GetEnvClaimAlertThreshold()
	if err != nil {
		return nil, err
	}

	completedRetention, err := GetEnvCompletedRetention()
	if err != nil {
		return nil, err
	}

	timelocks, err := GetEnvTimelocks()
	if err != nil {
		return nil, err
	}

	apiPort, err := GetEnvAPIPort()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	idempotencyWindow, err := GetEnvIdempotencyWindow()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	bchConfig, err := GetEnvBCHConfig(network)
	if err != nil {
		return nil, err
	}

	solanaConfig, err := GetEnvSolanaConfig(network)
	if err != nil {
		return nil, err
	}

	movementConfig, err := GetEnvMovementConfig(network)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network:             network,
		PollingInterval:     pollingInterval,
		WorkerCount:         workerCount,
		ChainMaxConcurrency: chainConcurrency,
		ChainRateLimit:      chainRateLimit,
		Retry: RetryConfig{
			MaxFillRetries:      maxFillRetries,
			ClaimBackoff:        claimBackoff,
			ClaimBackoffMax:     claimBackoffMax,
			ClaimAlertThreshold: claimAlertThreshold,
		},
		CompletedRetention: completedRetention,
		Timelocks:          timelocks,
		APIPort:            apiPort,
		MetricsPort:        metricsPort,
		MetricsAPIKey:      os.Getenv("METRICS_API_KEY"),
		IdempotencyWindow:  idempotencyWindow,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
		BCH:      bchConfig,
		Solana:   solanaConfig,
		Movement: movementConfig,
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if len(cfg.EnabledChains()) < 2 {
		return fmt.Errorf("at least two chains must be configured, set two of BCH_PRIVATE_KEY_WIF, SOLANA_PRIVATE_KEY, MOVEMENT_PRIVATE_KEY")
	}
	for _, d := range models.AllDirections() {
		source, dest := cfg.Timelocks.Source[d.Source], cfg.Timelocks.Dest[d.Destination]
		if dest+cfg.Timelocks.SafetyMargin > source {
			return fmt.Errorf("DEST_TIMELOCK_%s plus TIMELOCK_SAFETY_MARGIN must not exceed SOURCE_TIMELOCK_%s",
				d.Destination, d.Source)
		}
	}
	if cfg.APIPort == cfg.MetricsPort {
		return fmt.Errorf("API_PORT and METRICS_PORT must differ")
	}
	return nil
}
