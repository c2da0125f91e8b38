package models

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Secret discovery paths
const (
	SecretFromChain = "chain"
	SecretFromAPI   = "api"
)

// Intent is one swap attempt between a maker and the relayer
type Intent struct {
	ID        string
	Direction Direction

	// Maker is the maker's address on the source chain, Recipient the maker's address on the destination chain
	Maker     string
	Recipient string

	SellAmount *big.Int
	BuyAmount  *big.Int
	BuyToken   string

	Hashlock     common.Hash
	Secret       *common.Hash
	SecretSource string

	SourceTimelock int64
	DestTimelock   int64

	SourceRef LockedRef
	DestRef   LockedRef

	Txs     Transactions
	Status  Status
	Failure *Failure
	Retry   RetryState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transactions records the chain transaction ids of each step, for audit only
type Transactions struct {
	SourceLock  string `json:"source_lock,omitempty"`
	DestFill    string `json:"dest_fill,omitempty"`
	DestClaim   string `json:"dest_claim,omitempty"`
	DestRefund  string `json:"dest_refund,omitempty"`
	SourceClaim string `json:"source_claim,omitempty"`
}

// RetryState is the retry bookkeeping attached to an intent
type RetryState struct {
	FillRetries    int       `json:"fill_retries"`
	ClaimAttempts  int       `json:"claim_attempts"`
	RefundAttempts int       `json:"refund_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	NextAttempt    time.Time `json:"next_attempt,omitempty"`
}

// FailReason returns the human readable failure reason, empty unless FAILED
func (i *Intent) FailReason() string {
	if i.Failure == nil {
		return ""
	}
	return i.Failure.Reason
}

// Clone returns a deep copy safe to hand to another goroutine
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	if i.SellAmount != nil {
		c.SellAmount = new(big.Int).Set(i.SellAmount)
	}
	if i.BuyAmount != nil {
		c.BuyAmount = new(big.Int).Set(i.BuyAmount)
	}
	if i.Secret != nil {
		s := *i.Secret
		c.Secret = &s
	}
	if i.Failure != nil {
		f := *i.Failure
		c.Failure = &f
	}
	return &c
}

// HashSecret returns SHA256(secret)
func HashSecret(secret common.Hash) common.Hash {
	return sha256.Sum256(secret[:])
}

// SecretMatches reports whether secret is the preimage of hashlock
func SecretMatches(hashlock, secret common.Hash) bool {
	return HashSecret(secret) == hashlock
}

// ParseHash parses a 32-byte hex value, with or without 0x prefix
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hex value: %w", err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

type intentJSON struct {
	ID             string          `json:"id"`
	Direction      Direction       `json:"direction"`
	Maker          string          `json:"maker_address"`
	Recipient      string          `json:"recipient_address"`
	SellAmount     string          `json:"sell_amount"`
	BuyAmount      string          `json:"buy_amount"`
	BuyToken       string          `json:"buy_token,omitempty"`
	Hashlock       common.Hash     `json:"hashlock"`
	Secret         *common.Hash    `json:"secret,omitempty"`
	SecretSource   string          `json:"secret_source,omitempty"`
	SourceTimelock int64           `json:"source_timelock"`
	DestTimelock   int64           `json:"dest_timelock"`
	SourceRef      json.RawMessage `json:"source_ref"`
	DestRef        json.RawMessage `json:"dest_ref"`
	Txs            Transactions    `json:"txs"`
	Status         Status          `json:"status"`
	Failure        *Failure        `json:"failure,omitempty"`
	Retry          RetryState      `json:"retry"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (i Intent) MarshalJSON() ([]byte, error) {
	src, err := MarshalRef(i.SourceRef)
	if err != nil {
		return nil, err
	}
	dst, err := MarshalRef(i.DestRef)
	if err != nil {
		return nil, err
	}
	return json.Marshal(intentJSON{
		ID:             i.ID,
		Direction:      i.Direction,
		Maker:          i.Maker,
		Recipient:      i.Recipient,
		SellAmount:     amountString(i.SellAmount),
		BuyAmount:      amountString(i.BuyAmount),
		BuyToken:       i.BuyToken,
		Hashlock:       i.Hashlock,
		Secret:         i.Secret,
		SecretSource:   i.SecretSource,
		SourceTimelock: i.SourceTimelock,
		DestTimelock:   i.DestTimelock,
		SourceRef:      src,
		DestRef:        dst,
		Txs:            i.Txs,
		Status:         i.Status,
		Failure:        i.Failure,
		Retry:          i.Retry,
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	})
}

func (i *Intent) UnmarshalJSON(data []byte) error {
	var raw intentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	sell, err := parseAmount(raw.SellAmount)
	if err != nil {
		return fmt.Errorf("sell_amount: %w", err)
	}
	buy, err := parseAmount(raw.BuyAmount)
	if err != nil {
		return fmt.Errorf("buy_amount: %w", err)
	}
	src, err := UnmarshalRef(raw.SourceRef)
	if err != nil {
		return fmt.Errorf("source_ref: %w", err)
	}
	dst, err := UnmarshalRef(raw.DestRef)
	if err != nil {
		return fmt.Errorf("dest_ref: %w", err)
	}

	*i = Intent{
		ID:             raw.ID,
		Direction:      raw.Direction,
		Maker:          raw.Maker,
		Recipient:      raw.Recipient,
		SellAmount:     sell,
		BuyAmount:      buy,
		BuyToken:       raw.BuyToken,
		Hashlock:       raw.Hashlock,
		Secret:         raw.Secret,
		SecretSource:   raw.SecretSource,
		SourceTimelock: raw.SourceTimelock,
		DestTimelock:   raw.DestTimelock,
		SourceRef:      src,
		DestRef:        dst,
		Txs:            raw.Txs,
		Status:         raw.Status,
		Failure:        raw.Failure,
		Retry:          raw.Retry,
		CreatedAt:      raw.CreatedAt,
		UpdatedAt:      raw.UpdatedAt,
	}
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
