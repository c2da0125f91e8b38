package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	IntentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_intents_created_total",
		Help: "The total number of swap intents accepted by the factory",
	}, []string{"direction"})

	IntentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_intent_transitions_total",
		Help: "State transitions performed by the settlement engine",
	}, []string{"direction", "to"})

	IntentsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_intents_finished_total",
		Help: "Intents that reached a terminal state",
	}, []string{"direction", "status"})

	ActiveIntents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_active_intents",
		Help: "The number of active intents by status",
	}, []string{"status"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_sweep_duration_seconds",
		Help:    "Time taken by a full sweep of the active intents",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	IntentProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_intent_processing_seconds",
		Help:    "Time taken to advance a single intent",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"direction"})

	ChainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_chain_call_seconds",
		Help:    "Latency of chain adapter calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"chain", "op"})

	ChainErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_chain_errors_total",
		Help: "Chain adapter errors by classification",
	}, []string{"chain", "op", "class"})

	ChainCallsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_chain_calls_skipped_total",
		Help: "Chain calls skipped because the circuit breaker was open",
	}, []string{"chain", "op"})

	FillRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_fill_retries_total",
		Help: "Failed destination fill attempts that will be retried",
	}, []string{"direction"})

	SecretsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_secrets_accepted_total",
		Help: "Secrets accepted for an intent by discovery path",
	}, []string{"direction", "source"})

	SecretMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_secret_mismatches_total",
		Help: "Secrets rejected because they do not hash to the hashlock",
	}, []string{"direction", "source"})

	ClaimRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_claim_retries_total",
		Help: "Failed source claim attempts",
	}, []string{"chain"})

	StuckClaims = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_stuck_claims",
		Help: "Intents whose source claim failed more often than the alert threshold",
	}, []string{"chain"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_refunds_total",
		Help: "Destination refund attempts by result",
	}, []string{"chain", "result"})

	RelayerBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_balance",
		Help: "Relayer native balance in whole units",
	}, []string{"chain"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_api_requests_total",
		Help: "HTTP facade requests by route and status code",
	}, []string{"route", "code"})
)
