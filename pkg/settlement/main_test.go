package settlement

import (
	"context"
	"crypto/rand"
	"math/big"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains/simchain"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
	"github.com/stretchr/testify/require"
)

const (
	testStart      = int64(1_700_000_000)
	sourceDuration = 2 * time.Hour
	destDuration   = time.Hour
	safetyMargin   = 15 * time.Minute
)

// harness wires an engine to one simulated chain per supported chain
type harness struct {
	clock    atomic.Int64
	cfg      *config.Config
	registry *registry.Registry
	engine   *Engine
	factory  *Factory
	chains   map[models.Chain]*simchain.Chain
}

func testConfig() *config.Config {
	source := make(map[models.Chain]time.Duration)
	dest := make(map[models.Chain]time.Duration)
	for _, chain := range models.AllChains() {
		source[chain] = sourceDuration
		dest[chain] = destDuration
	}
	return &config.Config{
		PollingInterval:     10 * time.Millisecond,
		WorkerCount:         4,
		ChainMaxConcurrency: 4,
		Retry: config.RetryConfig{
			MaxFillRetries:      3,
			ClaimBackoffMax:     2 * time.Minute,
			ClaimAlertThreshold: 10,
		},
		CompletedRetention: 100,
		Timelocks: config.TimelockConfig{
			Source:       source,
			Dest:         dest,
			SafetyMargin: safetyMargin,
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	h := &harness{
		cfg:    testConfig(),
		chains: make(map[models.Chain]*simchain.Chain),
	}
	h.clock.Store(testStart)
	for _, m := range mutate {
		m(h.cfg)
	}

	adapters := make(map[models.Chain]chains.Adapter)
	for _, chain := range models.AllChains() {
		sim := simchain.New(chain, "relayer-"+chain.Slug(), simchain.WithClock(h.now))
		sim.Fund(sim.Address(), big.NewInt(1_000_000_000))
		h.chains[chain] = sim
		adapters[chain] = sim
	}

	h.registry = registry.New(h.cfg.CompletedRetention)
	h.engine = NewEngine(h.cfg, h.registry, adapters, &logger.EmptyLogger{}, WithClock(h.now))
	h.factory = NewFactory(adapters, h.registry, h.cfg.Timelocks, h.engine, &logger.EmptyLogger{})
	return h
}

func (h *harness) now() time.Time {
	return time.Unix(h.clock.Load(), 0)
}

func (h *harness) advance(d time.Duration) {
	h.clock.Add(int64(d / time.Second))
}

// swap is an intent together with the maker's secret
type swap struct {
	intent *models.Intent
	secret common.Hash
}

func newSecret(t *testing.T) common.Hash {
	t.Helper()
	var secret common.Hash
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	return secret
}

// openSwap has the maker lock sell on the source chain and registers the swap
func (h *harness) openSwap(t *testing.T, d models.Direction, sell, buy int64) swap {
	t.Helper()
	secret := newSecret(t)
	hashlock := models.HashSecret(secret)
	sourceTimelock := h.now().Add(sourceDuration).Unix()

	src := h.chains[d.Source]
	ref := src.OpenLock("maker-"+d.Source.Slug(), src.Address(), hashlock, big.NewInt(sell), sourceTimelock)

	intent, err := h.factory.Create(context.Background(), SwapRequest{
		Direction:      d,
		Maker:          "maker-" + d.Source.Slug(),
		Recipient:      "maker-" + d.Destination.Slug(),
		SellAmount:     strconv.FormatInt(sell, 10),
		BuyAmount:      strconv.FormatInt(buy, 10),
		Hashlock:       hashlock.Hex(),
		SourceLock:     lockID(ref),
		SourceTimelock: sourceTimelock,
	})
	require.NoError(t, err)
	return swap{intent: intent, secret: secret}
}

func (h *harness) get(t *testing.T, id string) *models.Intent {
	t.Helper()
	intent, err := h.registry.Get(id)
	require.NoError(t, err)
	return intent
}

// lockID is the identifier a maker submits as sourceLock for ref
func lockID(ref models.LockedRef) string {
	switch r := ref.(type) {
	case models.UTXOContractRef:
		return r.Address
	case models.ProgramEscrowRef:
		return r.Escrow
	case models.MoveEscrowRef:
		return strconv.FormatUint(r.EscrowID, 10)
	}
	return ""
}
