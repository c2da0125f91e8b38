package models

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Chain identifies one of the chains the relayer settles on
type Chain string

const (
	// ChainBCH is the UTXO chain, locks are P2SH HTLC contracts
	ChainBCH Chain = "BCH"
	// ChainSolana is the account chain, locks are escrow program accounts
	ChainSolana Chain = "SOL"
	// ChainMovement is the Move chain, locks are htlc_escrow resources
	ChainMovement Chain = "MOVE"
)

// AllChains lists every supported chain in a stable order
func AllChains() []Chain {
	return []Chain{ChainBCH, ChainSolana, ChainMovement}
}

// ParseChain accepts the chain code or its slug, case-insensitive
func ParseChain(s string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bch", "bitcoincash":
		return ChainBCH, nil
	case "sol", "solana":
		return ChainSolana, nil
	case "move", "movement":
		return ChainMovement, nil
	}
	return "", fmt.Errorf("unknown chain %q", s)
}

// Valid reports whether c is one of the supported chains
func (c Chain) Valid() bool {
	switch c {
	case ChainBCH, ChainSolana, ChainMovement:
		return true
	}
	return false
}

// Slug is the lowercase long name used in routes
func (c Chain) Slug() string {
	switch c {
	case ChainBCH:
		return "bch"
	case ChainSolana:
		return "solana"
	case ChainMovement:
		return "movement"
	}
	return strings.ToLower(string(c))
}

// Decimals is the number of decimal places of the native asset
func (c Chain) Decimals() int32 {
	switch c {
	case ChainBCH:
		return 8
	case ChainSolana:
		return 9
	case ChainMovement:
		return 8
	}
	return 0
}

// MaxAmount is the largest amount a single lock can carry in base units
func (c Chain) MaxAmount() *big.Int {
	switch c {
	case ChainBCH:
		// satoshi values are signed 64-bit in transaction outputs
		return new(big.Int).SetInt64(math.MaxInt64)
	case ChainSolana, ChainMovement:
		return new(big.Int).SetUint64(math.MaxUint64)
	}
	return new(big.Int)
}

// FormatAmount renders base units as a decimal string in the native asset
func (c Chain) FormatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -c.Decimals()).String()
}

func (c Chain) String() string {
	return string(c)
}
