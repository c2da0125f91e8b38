package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

const (
	mainnet = "mainnet"
	testnet = "testnet"

	// DefaultNetwork is the default blockchain network to connect to
	DefaultNetwork = testnet

	// DefaultPollingInterval defines the default sweep interval in seconds
	DefaultPollingInterval = 10

	// DefaultWorkerCount defines the default number of workers advancing intents
	DefaultWorkerCount = 5

	// DefaultChainMaxConcurrency defines how many calls may be in flight per chain adapter
	DefaultChainMaxConcurrency = 4

	// DefaultChainRateLimit defines the per-chain request rate in requests per second
	DefaultChainRateLimit = 10

	// DefaultMaxFillRetries defines how many failed destination fills fail an intent
	DefaultMaxFillRetries = 3

	// DefaultClaimRetryBackoff defines the base backoff between source claim retries in seconds, 0 retries every sweep
	DefaultClaimRetryBackoff = 0

	// DefaultClaimRetryBackoffMax defines the maximum backoff between source claim retries in seconds
	DefaultClaimRetryBackoffMax = 120

	// DefaultClaimAlertThreshold defines after how many failed source claims each failure is alerted
	DefaultClaimAlertThreshold = 10

	// DefaultCompletedRetention defines how many finished intents are kept for reporting
	DefaultCompletedRetention = 1000

	// DefaultSourceTimelock defines the source leg duration in seconds
	DefaultSourceTimelock = 7200

	// DefaultDestTimelock defines the destination leg duration in seconds
	DefaultDestTimelock = 3600

	// DefaultTimelockSafetyMargin defines the minimum gap between destination and source expiry in seconds
	DefaultTimelockSafetyMargin = 900

	// DefaultAPIPort defines the default port of the HTTP facade
	DefaultAPIPort = "3004"

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultIdempotencyWindow defines how long idempotency keys are remembered in seconds
	DefaultIdempotencyWindow = 86400

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker in minutes
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker in minutes
	DefaultCircuitBreakerReset = 15
)

// GetEnvNetwork returns the configured network from environment variables or defaults to testnet
func GetEnvNetwork() (string, error) {
	network := os.Getenv("NETWORK")
	if network == "" {
		network = DefaultNetwork
	}

	if network != mainnet && network != testnet {
		return "", fmt.Errorf("invalid NETWORK value: %s, must be 'mainnet' or 'testnet'", network)
	}

	return network, nil
}

// GetEnvPollingInterval returns the polling interval in seconds from environment variables
func GetEnvPollingInterval() (time.Duration, error) {
	return getEnvSeconds("POLLING_INTERVAL", DefaultPollingInterval, false)
}

// GetEnvWorkerCount returns the number of workers from environment variables
func GetEnvWorkerCount() (int, error) {
	return getEnvPositiveInt("WORKER_COUNT", DefaultWorkerCount)
}

// GetEnvChainMaxConcurrency returns the per-chain call concurrency from environment variables
func GetEnvChainMaxConcurrency() (int, error) {
	return getEnvPositiveInt("CHAIN_MAX_CONCURRENCY", DefaultChainMaxConcurrency)
}

// GetEnvChainRateLimit returns the per-chain request rate from environment variables
func GetEnvChainRateLimit() (float64, error) {
	value := os.Getenv("CHAIN_RATE_LIMIT")
	if value == "" {
		return DefaultChainRateLimit, nil
	}

	rate, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid CHAIN_RATE_LIMIT value: %s, must be a number", value)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("CHAIN_RATE_LIMIT must be greater than 0")
	}
	return rate, nil
}

// GetEnvMaxFillRetries returns the destination fill retry cap from environment variables
func GetEnvMaxFillRetries() (int, error) {
	return getEnvPositiveInt("MAX_FILL_RETRIES", DefaultMaxFillRetries)
}

// GetEnvClaimRetryBackoff returns the base and maximum source claim backoff from environment variables
func GetEnvClaimRetryBackoff() (time.Duration, time.Duration, error) {
	base, err := getEnvSeconds("CLAIM_RETRY_BACKOFF", DefaultClaimRetryBackoff, true)
	if err != nil {
		return 0, 0, err
	}
	max, err := getEnvSeconds("CLAIM_RETRY_BACKOFF_MAX", DefaultClaimRetryBackoffMax, false)
	if err != nil {
		return 0, 0, err
	}
	if base > max {
		return 0, 0, fmt.Errorf("CLAIM_RETRY_BACKOFF must not exceed CLAIM_RETRY_BACKOFF_MAX")
	}
	return base, max, nil
}

// GetEnvClaimAlertThreshold returns the claim alert threshold from environment variables
func GetEnvClaimAlertThreshold() (int, error) {
	return getEnvPositiveInt("CLAIM_ALERT_THRESHOLD", DefaultClaimAlertThreshold)
}

// GetEnvCompletedRetention returns the number of finished intents to keep from environment variables
func GetEnvCompletedRetention() (int, error) {
	return getEnvPositiveInt("COMPLETED_RETENTION", DefaultCompletedRetention)
}

// GetEnvTimelocks returns the per-chain timelock durations and the safety margin from environment variables
func GetEnvTimelocks() (TimelockConfig, error) {
	cfg := TimelockConfig{
		Source: make(map[models.Chain]time.Duration),
		Dest:   make(map[models.Chain]time.Duration),
	}

	for _, chain := range models.AllChains() {
		source, err := getEnvSeconds("SOURCE_TIMELOCK_"+string(chain), DefaultSourceTimelock, false)
		if err != nil {
			return TimelockConfig{}, err
		}
		dest, err := getEnvSeconds("DEST_TIMELOCK_"+string(chain), DefaultDestTimelock, false)
		if err != nil {
			return TimelockConfig{}, err
		}
		cfg.Source[chain] = source
		cfg.Dest[chain] = dest
	}

	margin, err := getEnvSeconds("TIMELOCK_SAFETY_MARGIN", DefaultTimelockSafetyMargin, false)
	if err != nil {
		return TimelockConfig{}, err
	}
	cfg.SafetyMargin = margin
	return cfg, nil
}

// GetEnvAPIPort returns the HTTP facade port from environment variables
func GetEnvAPIPort() (string, error) {
	return getEnvPort("API_PORT", DefaultAPIPort)
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	return getEnvPort("METRICS_PORT", DefaultMetricsPort)
}

// GetEnvIdempotencyWindow returns the idempotency key retention from environment variables
func GetEnvIdempotencyWindow() (time.Duration, error) {
	return getEnvSeconds("IDEMPOTENCY_WINDOW", DefaultIdempotencyWindow, false)
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	minutes, err := getEnvPositiveInt("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
	if err != nil {
		return 0, err
	}
	return time.Duration(minutes) * time.Minute, nil
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	minutes, err := getEnvPositiveInt("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
	if err != nil {
		return 0, err
	}
	return time.Duration(minutes) * time.Minute, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log coloring is enabled from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

func getEnvPositiveInt(name string, def int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return def, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvSeconds(name string, def int, allowZero bool) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return time.Duration(def) * time.Second, nil
	}

	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if seconds < 0 || (seconds == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	value := os.Getenv(name)
	switch value {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

func getEnvPort(name, def string) (string, error) {
	port := os.Getenv(name)
	if port == "" {
		return def, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", name, port)
	}
	return port, nil
}
