package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
)

const chainCheckTimeout = 5 * time.Second

// Server represents a health check HTTP server
type Server struct {
	port            string
	adapters        map[models.Chain]chains.Adapter
	circuitBreakers map[models.Chain]*circuitbreaker.CircuitBreaker
	registry        *registry.Registry
	metricsAPIKey   string
	logger          logger.Logger
	httpServer      *http.Server
}

// ChainStatus is the per chain section of /status
type ChainStatus struct {
	Address        string `json:"address"`
	Connected      bool   `json:"connected"`
	Circuit        string `json:"circuit"`
	Balance        string `json:"balance,omitempty"`
	BalanceDecimal string `json:"balance_decimal,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Status is the body of /status
type Status struct {
	Chains  map[models.Chain]ChainStatus `json:"chains"`
	Intents map[models.Status]int        `json:"intents"`
	Active  int                          `json:"active"`
}

// NewServer creates a new health check server
func NewServer(
	port string,
	adapters map[models.Chain]chains.Adapter,
	circuitBreakers map[models.Chain]*circuitbreaker.CircuitBreaker,
	reg *registry.Registry,
	metricsAPIKey string,
	log logger.Logger,
) *Server {
	s := &Server{
		port:            port,
		adapters:        adapters,
		circuitBreakers: circuitBreakers,
		registry:        reg,
		metricsAPIKey:   metricsAPIKey,
		logger:          log,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the mux serving the health, admin and metrics endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Ready once every chain answers
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, chain := range s.chainList() {
			if err := s.ping(r.Context(), chain); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("Chain %s not reachable: %v", chain, err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	mux.HandleFunc("/status", s.handleStatus)

	// Circuit breaker admin control endpoint
	mux.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		chainParam := r.URL.Query().Get("chain")
		if chainParam == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Missing chain parameter"))
			return
		}

		chain, err := models.ParseChain(chainParam)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Invalid chain"))
			return
		}

		cb, ok := s.circuitBreakers[chain]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker for chain %s", chain)))
			return
		}

		cb.Reset()
		s.logger.NoticeWithChain(chain, "Circuit breaker reset by admin request")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for chain %s reset", chain)))
	})

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Chains:  make(map[models.Chain]ChainStatus),
		Intents: s.registry.Counts(),
		Active:  s.registry.Len(),
	}

	for _, chain := range s.chainList() {
		adapter := s.adapters[chain]
		chainStatus := ChainStatus{
			Address: adapter.Address(),
			Circuit: circuitbreaker.StateClosed,
		}
		if cb, ok := s.circuitBreakers[chain]; ok {
			chainStatus.Circuit = cb.State()
		}

		ctx, cancel := context.WithTimeout(r.Context(), chainCheckTimeout)
		balance, err := adapter.RelayerBalance(ctx)
		cancel()
		if err != nil {
			chainStatus.Error = err.Error()
		} else {
			chainStatus.Connected = true
			chainStatus.Balance = balance.String()
			chainStatus.BalanceDecimal = chain.FormatAmount(balance)
		}
		status.Chains[chain] = chainStatus
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Error encoding status JSON: %v", err)
	}
}

func (s *Server) ping(ctx context.Context, chain models.Chain) error {
	ctx, cancel := context.WithTimeout(ctx, chainCheckTimeout)
	defer cancel()
	return s.adapters[chain].Ping(ctx)
}

// chainList returns the enabled chains in a stable order
func (s *Server) chainList() []models.Chain {
	list := make([]models.Chain, 0, len(s.adapters))
	for chain := range s.adapters {
		list = append(list, chain)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Start starts the health check server and blocks until Shutdown
func (s *Server) Start() error {
	s.logger.Notice("Starting health and metrics server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
