package models

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllDirections(t *testing.T) {
	directions := AllDirections()
	assert.Len(t, directions, 6)

	seen := make(map[string]bool)
	for _, d := range directions {
		assert.True(t, d.Valid())
		assert.False(t, seen[d.String()], "duplicate direction %s", d)
		seen[d.String()] = true
	}
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Direction
		wantErr bool
	}{
		{"canonical", "BCH_TO_SOL", Direction{ChainBCH, ChainSolana}, false},
		{"slug", "solana-to-movement", Direction{ChainSolana, ChainMovement}, false},
		{"mixed case slug", "Movement-To-BCH", Direction{ChainMovement, ChainBCH}, false},
		{"same chain", "SOL_TO_SOL", Direction{}, true},
		{"unknown chain", "ETH_TO_SOL", Direction{}, true},
		{"garbage", "bch", Direction{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDirection(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirectionFormatting(t *testing.T) {
	d := Direction{Source: ChainBCH, Destination: ChainSolana}
	assert.Equal(t, "BCH_TO_SOL", d.String())
	assert.Equal(t, "bch-to-solana", d.Slug())
	assert.Equal(t, "bch_sol_", d.IDPrefix())

	roundTrip, err := ParseDirection(d.Slug())
	require.NoError(t, err)
	assert.Equal(t, d, roundTrip)
}

func TestStatusTransitions(t *testing.T) {
	happyPath := []Status{StatusPending, StatusSourceLocked, StatusDestFilled, StatusDestClaimed, StatusCompleted}
	for i := 0; i < len(happyPath)-1; i++ {
		assert.True(t, happyPath[i].CanTransition(happyPath[i+1]), "%s -> %s", happyPath[i], happyPath[i+1])
		assert.False(t, happyPath[i+1].CanTransition(happyPath[i]), "%s -> %s must be rejected", happyPath[i+1], happyPath[i])
	}

	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.True(t, StatusDestFilled.CanTransition(StatusRefunded))
	assert.False(t, StatusDestClaimed.CanTransition(StatusFailed), "secret known, only a source claim may follow")
	assert.False(t, StatusPending.CanTransition(StatusDestFilled))

	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusRefunded} {
		assert.True(t, terminal.IsTerminal())
		for _, next := range happyPath {
			assert.False(t, terminal.CanTransition(next))
		}
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("dest_filled")
	require.NoError(t, err)
	assert.Equal(t, StatusDestFilled, status)

	_, err = ParseStatus("LOST")
	assert.Error(t, err)
	assert.Len(t, AllStatuses(), 7)
}

func TestCheckRef(t *testing.T) {
	assert.NoError(t, CheckRef(ChainBCH, UTXOContractRef{Address: "addr"}))
	assert.NoError(t, CheckRef(ChainSolana, ProgramEscrowRef{Escrow: "pda"}))
	assert.NoError(t, CheckRef(ChainMovement, MoveEscrowRef{EscrowID: 1}))
	assert.Error(t, CheckRef(ChainSolana, MoveEscrowRef{EscrowID: 1}))
	assert.Error(t, CheckRef(ChainBCH, nil))
}

func TestSecretHelpers(t *testing.T) {
	secret := common.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	hashlock := HashSecret(secret)

	assert.True(t, SecretMatches(hashlock, secret))
	assert.False(t, SecretMatches(hashlock, common.Hash{}))

	parsed, err := ParseHash(hashlock.Hex()[2:])
	require.NoError(t, err)
	assert.Equal(t, hashlock, parsed)

	_, err = ParseHash("0x1234")
	assert.Error(t, err)
	_, err = ParseHash("zz")
	assert.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.0001", ChainBCH.FormatAmount(big.NewInt(10000)))
	assert.Equal(t, "0.05", ChainSolana.FormatAmount(big.NewInt(50000000)))
	assert.Equal(t, "0", ChainMovement.FormatAmount(nil))
}

func TestIntentJSON(t *testing.T) {
	secret := common.HexToHash("0xaa")
	intent := &Intent{
		ID:             "bch_sol_1",
		Direction:      Direction{Source: ChainBCH, Destination: ChainSolana},
		Maker:          "maker",
		Recipient:      "recipient",
		SellAmount:     big.NewInt(10000),
		BuyAmount:      new(big.Int).SetUint64(18446744073709551615),
		Hashlock:       HashSecret(secret),
		Secret:         &secret,
		SourceTimelock: 2000,
		DestTimelock:   1000,
		SourceRef:      UTXOContractRef{Address: "p2sh", Sender: "maker", Recipient: "relayer", Timelock: 2000},
		DestRef:        ProgramEscrowRef{Escrow: "pda", Maker: "relayer", Timelock: 1000},
		Status:         StatusDestClaimed,
		CreatedAt:      time.Unix(100, 0).UTC(),
		UpdatedAt:      time.Unix(200, 0).UTC(),
	}

	data, err := json.Marshal(intent)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"buy_amount":"18446744073709551615"`)
	assert.Contains(t, string(data), `"direction":"BCH_TO_SOL"`)

	var decoded Intent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, intent.SourceRef, decoded.SourceRef)
	assert.Equal(t, intent.DestRef, decoded.DestRef)
	assert.Equal(t, 0, intent.BuyAmount.Cmp(decoded.BuyAmount))
	assert.Equal(t, *intent.Secret, *decoded.Secret)
}

func TestIntentClone(t *testing.T) {
	secret := common.HexToHash("0x01")
	original := &Intent{SellAmount: big.NewInt(5), BuyAmount: big.NewInt(7), Secret: &secret, Failure: &Failure{Reason: "x"}}

	clone := original.Clone()
	clone.SellAmount.SetInt64(99)
	clone.Secret[0] = 0xff
	clone.Failure.Reason = "y"

	assert.Equal(t, int64(5), original.SellAmount.Int64())
	assert.Equal(t, secret, *original.Secret)
	assert.Equal(t, "x", original.Failure.Reason)
}
