package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	// BCH

	DefaultBCHTestnetElectrumURL = "wss://chipnet.imaginary.cash:50004"
	DefaultBCHMainnetElectrumURL = "wss://bch.imaginary.cash:50004"

	// DefaultBCHFeeRate is the fee rate in satoshis per byte
	DefaultBCHFeeRate = 1

	// Solana

	DefaultSolanaTestnetRPCURL = "https://api.devnet.solana.com"
	DefaultSolanaMainnetRPCURL = "https://api.mainnet-beta.solana.com"

	// DefaultSolanaProgramID is the deployed HTLC escrow program
	DefaultSolanaProgramID = "5JAWumq5L4B8WrpF3CFox36SZ2bJF4xQvskLksmHRgs2"

	// Movement

	DefaultMovementTestnetRPCURL = "https://testnet.movementnetwork.xyz/v1"
	DefaultMovementMainnetRPCURL = "https://mainnet.movementnetwork.xyz/v1"

	// DefaultMovementHTLCAddress is the account hosting the htlc_escrow module and registry
	DefaultMovementHTLCAddress = "0x485ca1c12b5dfa01c282b9c7ef09fdfebbf877ed729bf999ce61a8ec5c5e69bd"

	// DefaultMovementCoinType is the native coin
	DefaultMovementCoinType = "0x1::aptos_coin::AptosCoin"

	// DefaultMovementMaxGas is the max gas amount per transaction
	DefaultMovementMaxGas = 100000
)

// BCHConfig holds the configuration of the UTXO chain adapter
type BCHConfig struct {
	ElectrumURL   string
	PrivateKeyWIF string
	FeeRate       int64
	// MinConfirmations is the depth a maker's funding needs before it counts, 0 accepts mempool funding
	MinConfirmations int64
}

// SolanaConfig holds the configuration of the program chain adapter
type SolanaConfig struct {
	RPCURL     string
	PrivateKey string
	ProgramID  string
}

// MovementConfig holds the configuration of the Move chain adapter
type MovementConfig struct {
	RPCURL      string
	PrivateKey  string
	HTLCAddress string
	CoinType    string
	MaxGas      uint64
}

// GetEnvBCHConfig returns the BCH adapter configuration, nil when BCH_PRIVATE_KEY_WIF is unset
func GetEnvBCHConfig(network string) (*BCHConfig, error) {
	key := os.Getenv("BCH_PRIVATE_KEY_WIF")
	if key == "" {
		return nil, nil
	}

	url := os.Getenv("BCH_ELECTRUM_URL")
	if url == "" {
		url = DefaultBCHTestnetElectrumURL
		if network == mainnet {
			url = DefaultBCHMainnetElectrumURL
		}
	}

	feeRate := int64(DefaultBCHFeeRate)
	if value := os.Getenv("BCH_FEE_RATE"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid BCH_FEE_RATE value: %s, must be a positive integer", value)
		}
		feeRate = parsed
	}

	var minConfirmations int64
	if value := os.Getenv("BCH_MIN_CONFIRMATIONS"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("invalid BCH_MIN_CONFIRMATIONS value: %s, must be a non-negative integer", value)
		}
		minConfirmations = parsed
	}

	return &BCHConfig{
		ElectrumURL:      url,
		PrivateKeyWIF:    key,
		FeeRate:          feeRate,
		MinConfirmations: minConfirmations,
	}, nil
}

// GetEnvSolanaConfig returns the Solana adapter configuration, nil when SOLANA_PRIVATE_KEY is unset
func GetEnvSolanaConfig(network string) (*SolanaConfig, error) {
	key := os.Getenv("SOLANA_PRIVATE_KEY")
	if key == "" {
		return nil, nil
	}

	url := os.Getenv("SOLANA_RPC_URL")
	if url == "" {
		url = DefaultSolanaTestnetRPCURL
		if network == mainnet {
			url = DefaultSolanaMainnetRPCURL
		}
	}

	programID := os.Getenv("SOLANA_PROGRAM_ID")
	if programID == "" {
		programID = DefaultSolanaProgramID
	}

	return &SolanaConfig{
		RPCURL:     url,
		PrivateKey: key,
		ProgramID:  programID,
	}, nil
}

// GetEnvMovementConfig returns the Movement adapter configuration, nil when MOVEMENT_PRIVATE_KEY is unset
func GetEnvMovementConfig(network string) (*MovementConfig, error) {
	key := os.Getenv("MOVEMENT_PRIVATE_KEY")
	if key == "" {
		return nil, nil
	}

	url := os.Getenv("MOVEMENT_RPC_URL")
	if url == "" {
		url = DefaultMovementTestnetRPCURL
		if network == mainnet {
			url = DefaultMovementMainnetRPCURL
		}
	}

	htlcAddress := os.Getenv("MOVEMENT_HTLC_ADDRESS")
	if htlcAddress == "" {
		htlcAddress = DefaultMovementHTLCAddress
	}

	coinType := os.Getenv("MOVEMENT_COIN_TYPE")
	if coinType == "" {
		coinType = DefaultMovementCoinType
	}

	maxGas := uint64(DefaultMovementMaxGas)
	if value := os.Getenv("MOVEMENT_MAX_GAS"); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil || parsed == 0 {
			return nil, fmt.Errorf("invalid MOVEMENT_MAX_GAS value: %s, must be a positive integer", value)
		}
		maxGas = parsed
	}

	return &MovementConfig{
		RPCURL:      url,
		PrivateKey:  key,
		HTLCAddress: htlcAddress,
		CoinType:    coinType,
		MaxGas:      maxGas,
	}, nil
}
