package simchain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret   = common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101")
	testHashlock = models.HashSecret(testSecret)
)

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

func TestLockClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	sol := New(models.ChainSolana, "relayer", WithClock(fixedClock(1000)))
	sol.Fund("relayer", big.NewInt(500))

	receipt, err := sol.Lock(ctx, chains.LockRequest{
		Recipient: "maker",
		Hashlock:  testHashlock,
		Amount:    big.NewInt(200),
		Timelock:  2000,
	})
	require.NoError(t, err)
	require.IsType(t, models.ProgramEscrowRef{}, receipt.Ref)
	assert.Equal(t, big.NewInt(300), sol.Balance("relayer"))

	balance, err := sol.BalanceOf(ctx, receipt.Ref)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200), balance)

	revealed, err := sol.FindRevealedSecret(ctx, receipt.Ref)
	require.NoError(t, err)
	assert.Nil(t, revealed)

	_, err = sol.Redeem(receipt.Ref, common.Hash{})
	assert.Equal(t, chains.ClassFatal, chains.ClassOf(err))

	claimTx, err := sol.Redeem(receipt.Ref, testSecret)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(200), sol.Balance("maker"))

	revealed, err = sol.FindRevealedSecret(ctx, receipt.Ref)
	require.NoError(t, err)
	require.NotNil(t, revealed)
	assert.Equal(t, testSecret, revealed.Secret)
	assert.Equal(t, claimTx, revealed.TxID)

	_, err = sol.Refund(ctx, receipt.Ref)
	assert.Equal(t, chains.ClassFatal, chains.ClassOf(err))
}

func TestLockInsufficientBalance(t *testing.T) {
	move := New(models.ChainMovement, "relayer")
	move.Fund("relayer", big.NewInt(10))

	_, err := move.Lock(context.Background(), chains.LockRequest{
		Recipient: "maker",
		Hashlock:  testHashlock,
		Amount:    big.NewInt(11),
		Timelock:  100,
	})
	require.Error(t, err)
	assert.Equal(t, chains.ClassInsufficientBalance, chains.ClassOf(err))
	assert.Equal(t, big.NewInt(10), move.Balance("relayer"))
}

func TestBalanceOfMakerLock(t *testing.T) {
	ctx := context.Background()
	bch := New(models.ChainBCH, "relayer")

	tests := []struct {
		name      string
		recipient string
		hashlock  common.Hash
		timelock  int64
		want      int64
	}{
		{"valid lock", "relayer", testHashlock, 5000, 100},
		{"longer timelock", "relayer", testHashlock, 9000, 100},
		{"pays someone else", "mallory", testHashlock, 5000, 0},
		{"wrong hashlock", "relayer", common.Hash{1}, 5000, 0},
		{"expires too early", "relayer", testHashlock, 4999, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened := bch.OpenLock("maker", tt.recipient, tt.hashlock, big.NewInt(100), tt.timelock)
			ref := opened.(models.UTXOContractRef)
			ref.Hashlock = testHashlock
			ref.Timelock = 5000

			balance, err := bch.BalanceOf(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(tt.want), balance)
		})
	}

	balance, err := bch.BalanceOf(ctx, models.UTXOContractRef{Address: "unknown"})
	require.NoError(t, err)
	assert.Zero(t, balance.Sign())

	_, err = bch.BalanceOf(ctx, models.MoveEscrowRef{EscrowID: 1})
	assert.True(t, errors.Is(err, chains.ErrInvalidRef))
}

func TestClaimMakerLock(t *testing.T) {
	ctx := context.Background()
	move := New(models.ChainMovement, "relayer")
	ref := move.OpenLock("maker", "relayer", testHashlock, big.NewInt(42), 100)

	// Factories only know the escrow id, not the registry
	_, err := move.Claim(ctx, models.MoveEscrowRef{EscrowID: ref.(models.MoveEscrowRef).EscrowID}, testSecret)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), move.Balance("relayer"))

	_, err = move.Claim(ctx, ref, testSecret)
	assert.Equal(t, chains.ClassFatal, chains.ClassOf(err))
}

func TestRefundRespectsTimelock(t *testing.T) {
	ctx := context.Background()
	now := int64(1000)
	sol := New(models.ChainSolana, "relayer", WithClock(func() time.Time { return time.Unix(now, 0) }))
	sol.Fund("relayer", big.NewInt(50))

	receipt, err := sol.Lock(ctx, chains.LockRequest{Recipient: "maker", Hashlock: testHashlock, Amount: big.NewInt(50), Timelock: 1500})
	require.NoError(t, err)

	_, err = sol.Refund(ctx, receipt.Ref)
	assert.Equal(t, chains.ClassTransient, chains.ClassOf(err))

	now = 1500
	_, err = sol.Refund(ctx, receipt.Ref)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), sol.Balance("relayer"))
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	sol := New(models.ChainSolana, "relayer")
	sol.Fund("relayer", big.NewInt(100))
	req := chains.LockRequest{Recipient: "maker", Hashlock: testHashlock, Amount: big.NewInt(60), Timelock: 10}

	sol.FailNext(OpLock, chains.Transient(models.ChainSolana, OpLock, errors.New("rpc timeout")))
	_, err := sol.Lock(ctx, req)
	assert.Equal(t, chains.ClassTransient, chains.ClassOf(err))
	assert.Equal(t, big.NewInt(100), sol.Balance("relayer"))

	found, err := sol.FindLock(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, found)

	sol.FailAfterApply(OpLock, chains.Transient(models.ChainSolana, OpLock, errors.New("connection reset")))
	_, err = sol.Lock(ctx, req)
	require.Error(t, err)
	assert.Equal(t, big.NewInt(40), sol.Balance("relayer"))

	found, err = sol.FindLock(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 2, sol.Calls(OpLock))

	sol.FailNext(OpPing, errors.New("down"))
	assert.Error(t, sol.Ping(ctx))
	assert.NoError(t, sol.Ping(ctx))
}

func TestSupportsToken(t *testing.T) {
	move := New(models.ChainMovement, "relayer", WithTokens("0x1::usdc::USDC"))
	assert.True(t, move.SupportsToken(""))
	assert.True(t, move.SupportsToken("0x1::usdc::USDC"))
	assert.False(t, move.SupportsToken("0x1::other::COIN"))

	assert.NoError(t, move.ValidateAddress("0xabc"))
	assert.Error(t, move.ValidateAddress(""))
}
