// Package api serves the HTTP façade makers use to submit swaps and follow
// their intents.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
	"github.com/speedrun-hq/htlc-relayer/pkg/settlement"
)

const (
	// RequestIDHeader carries the id of a request through logs and responses
	RequestIDHeader = "X-Request-ID"

	// IdempotencyKeyHeader makes a swap submission safe to retry
	IdempotencyKeyHeader = "Idempotency-Key"

	readHeaderTimeout = 15 * time.Second
	pruneInterval     = 10 * time.Minute
)

// Server is the HTTP façade of the relayer
type Server struct {
	factory    *settlement.Factory
	engine     *settlement.Engine
	registry   *registry.Registry
	adapters   map[models.Chain]chains.Adapter
	store      Store
	window     time.Duration
	logger     logger.Logger
	httpServer *http.Server

	// keyMu serializes keyed swap submissions so a key is never used twice
	keyMu sync.Mutex
}

// NewServer creates the façade listening on port
func NewServer(
	port string,
	factory *settlement.Factory,
	engine *settlement.Engine,
	reg *registry.Registry,
	adapters map[models.Chain]chains.Adapter,
	store Store,
	idempotencyWindow time.Duration,
	log logger.Logger,
) *Server {
	s := &Server{
		factory:  factory,
		engine:   engine,
		registry: reg,
		adapters: adapters,
		store:    store,
		window:   idempotencyWindow,
		logger:   log,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the router with every route and middleware installed
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/swaps", s.handleSwap).Methods(http.MethodPost)
	v1.HandleFunc("/swaps/{direction}", s.handleSwap).Methods(http.MethodPost)
	v1.HandleFunc("/reveal-secret", s.handleRevealSecret).Methods(http.MethodPost)
	v1.HandleFunc("/intents", s.handleListIntents).Methods(http.MethodGet)
	v1.HandleFunc("/intents/{id}", s.handleGetIntent).Methods(http.MethodGet)
	v1.HandleFunc("/intents/{id}", s.handleCancelIntent).Methods(http.MethodDelete)
	v1.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	v1.HandleFunc("/directions", s.handleDirections).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	for _, router := range []*mux.Router{r, v1} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = notAllowed
	}

	r.Use(s.metricsMiddleware)

	return s.requestIDMiddleware(r)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Notice("Starting API server on port %s", s.httpServer.Addr[1:])
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for the ones in flight
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// PruneIdempotencyKeys drops expired keys periodically until ctx is done.
// It returns right away when the store expires keys on its own.
func (s *Server) PruneIdempotencyKeys(ctx context.Context) {
	pruner, ok := s.store.(interface{ Prune() int })
	if !ok {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := pruner.Prune(); n > 0 {
				s.logger.Debug("Pruned %d expired idempotency keys", n)
			}
		}
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("[%s] %s %s %d (%v)", id, r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// metricsMiddleware counts requests per route template so ids stay out of the labels
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
