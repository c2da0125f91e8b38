package health

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains/simchain"
	"github.com/speedrun-hq/htlc-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server   *Server
	handler  http.Handler
	chains   map[models.Chain]*simchain.Chain
	breakers map[models.Chain]*circuitbreaker.CircuitBreaker
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	f := &fixture{
		chains:   make(map[models.Chain]*simchain.Chain),
		breakers: make(map[models.Chain]*circuitbreaker.CircuitBreaker),
	}
	adapters := make(map[models.Chain]chains.Adapter)
	for _, chain := range []models.Chain{models.ChainBCH, models.ChainSolana} {
		sim := simchain.New(chain, "relayer-"+chain.Slug())
		f.chains[chain] = sim
		adapters[chain] = sim
		f.breakers[chain] = circuitbreaker.NewCircuitBreaker(chain, true, 1, time.Minute, time.Hour, &logger.EmptyLogger{})
	}
	f.chains[models.ChainBCH].Fund("relayer-bch", big.NewInt(150_000_000))

	reg := registry.New(10)
	require.NoError(t, reg.Add(&models.Intent{ID: "one", Status: models.StatusPending}))
	require.NoError(t, reg.Add(&models.Intent{ID: "two", Status: models.StatusPending}))

	f.server = NewServer("0", adapters, f.breakers, reg, apiKey, &logger.EmptyLogger{})
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(method, path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = f.do(http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.chains[models.ChainSolana].FailNext(simchain.OpPing, errors.New("rpc down"))
	rec = f.do(http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "rpc down")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, "")
	f.breakers[models.ChainSolana].RecordFailure()
	f.chains[models.ChainSolana].FailNext(simchain.OpRelayerBalance, errors.New("rpc down"))

	rec := f.do(http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Active)
	assert.Equal(t, 2, status.Intents[models.StatusPending])

	bch := status.Chains[models.ChainBCH]
	assert.True(t, bch.Connected)
	assert.Equal(t, "relayer-bch", bch.Address)
	assert.Equal(t, "150000000", bch.Balance)
	assert.Equal(t, "1.5", bch.BalanceDecimal)
	assert.Equal(t, circuitbreaker.StateClosed, bch.Circuit)

	sol := status.Chains[models.ChainSolana]
	assert.False(t, sol.Connected)
	assert.Equal(t, "rpc down", sol.Error)
	assert.Equal(t, circuitbreaker.StateOpen, sol.Circuit)
}

func TestCircuitReset(t *testing.T) {
	f := newFixture(t, "")
	f.breakers[models.ChainBCH].RecordFailure()
	require.True(t, f.breakers[models.ChainBCH].IsOpen())

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"wrong method", http.MethodGet, "/circuit/reset?chain=bch", http.StatusMethodNotAllowed},
		{"missing chain", http.MethodPost, "/circuit/reset", http.StatusBadRequest},
		{"unknown chain", http.MethodPost, "/circuit/reset?chain=eth", http.StatusBadRequest},
		{"disabled chain", http.MethodPost, "/circuit/reset?chain=movement", http.StatusNotFound},
		{"reset", http.MethodPost, "/circuit/reset?chain=bch", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.False(t, f.breakers[models.ChainBCH].IsOpen())
}

func TestMetricsAuth(t *testing.T) {
	open := newFixture(t, "")
	assert.Equal(t, http.StatusOK, open.do(http.MethodGet, "/metrics").Code)

	f := newFixture(t, "secret")
	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rec := f.do(http.MethodGet, "/metrics", headers...)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
