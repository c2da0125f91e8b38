package relayer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains/simchain"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	source := make(map[models.Chain]time.Duration)
	dest := make(map[models.Chain]time.Duration)
	for _, chain := range models.AllChains() {
		source[chain] = 2 * time.Hour
		dest[chain] = time.Hour
	}
	return &config.Config{
		PollingInterval:     20 * time.Millisecond,
		WorkerCount:         2,
		ChainMaxConcurrency: 2,
		Retry:               config.RetryConfig{MaxFillRetries: 3, ClaimBackoffMax: time.Minute, ClaimAlertThreshold: 10},
		CompletedRetention:  10,
		Timelocks:           config.TimelockConfig{Source: source, Dest: dest, SafetyMargin: 15 * time.Minute},
		APIPort:             "0",
		MetricsPort:         "0",
	}
}

func TestNewServiceWithAdaptersNeedsTwoChains(t *testing.T) {
	adapters := map[models.Chain]chains.Adapter{
		models.ChainBCH: simchain.New(models.ChainBCH, "relayer-bch"),
	}
	_, err := NewServiceWithAdapters(testConfig(), adapters, &logger.EmptyLogger{})
	assert.Error(t, err)
}

func TestServiceSettlesSwap(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the engine loop")
	}

	sol := simchain.New(models.ChainSolana, "relayer-sol")
	move := simchain.New(models.ChainMovement, "relayer-move")
	move.Fund("relayer-move", big.NewInt(1_000_000))
	adapters := map[models.Chain]chains.Adapter{
		models.ChainSolana:   sol,
		models.ChainMovement: move,
	}

	service, err := NewServiceWithAdapters(testConfig(), adapters, &logger.EmptyLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Start(ctx)
	}()

	secret := common.HexToHash("0x0303030303030303030303030303030303030303030303030303030303030303")
	hashlock := models.HashSecret(secret)
	ref := sol.OpenLock("maker-sol", "relayer-sol", hashlock, big.NewInt(5000), time.Now().Add(2*time.Hour).Unix())

	intent, err := service.Factory().Create(ctx, settlement.SwapRequest{
		Direction:  models.Direction{Source: models.ChainSolana, Destination: models.ChainMovement},
		Maker:      "maker-sol",
		Recipient:  "maker-move",
		SellAmount: "5000",
		BuyAmount:  "4000",
		Hashlock:   hashlock.Hex(),
		SourceLock: ref.(models.ProgramEscrowRef).Escrow,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := service.Registry().Get(intent.ID)
		return err == nil && current.Status == models.StatusDestFilled
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, service.Engine().RevealSecret(ctx, intent.ID, secret.Hex()))

	require.Eventually(t, func() bool {
		current, err := service.Registry().Get(intent.ID)
		return err == nil && current.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, big.NewInt(5000), sol.Balance("relayer-sol"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
	}
}
