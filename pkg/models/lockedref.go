package models

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// LockedRef is the handle needed to inspect, claim or refund one HTLC leg.
// The concrete variant is fixed by the chain the leg lives on.
type LockedRef interface {
	Chain() Chain
	String() string
	lockedRef()
}

// UTXOContractRef points at a P2SH HTLC on the UTXO chain. The contract address
// is a function of the other fields, so they are kept to rebuild the redeem script.
type UTXOContractRef struct {
	Address   string      `json:"address"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Hashlock  common.Hash `json:"hashlock"`
	Timelock  int64       `json:"timelock"`
}

func (UTXOContractRef) Chain() Chain     { return ChainBCH }
func (r UTXOContractRef) String() string { return r.Address }
func (UTXOContractRef) lockedRef()       {}

// ProgramEscrowRef points at an escrow account owned by the HTLC program.
// Timelock is the lower bound the on-chain expiry must respect.
type ProgramEscrowRef struct {
	Escrow   string      `json:"escrow"`
	Maker    string      `json:"maker"`
	Hashlock common.Hash `json:"hashlock"`
	Timelock int64       `json:"timelock"`
}

func (ProgramEscrowRef) Chain() Chain     { return ChainSolana }
func (r ProgramEscrowRef) String() string { return r.Escrow }
func (ProgramEscrowRef) lockedRef()       {}

// MoveEscrowRef points at an escrow entry in an htlc_escrow registry.
// Timelock is the lower bound the on-chain expiry must respect.
// An empty CoinType means the chain's native coin.
type MoveEscrowRef struct {
	EscrowID uint64      `json:"escrow_id"`
	Registry string      `json:"registry"`
	Hashlock common.Hash `json:"hashlock"`
	Timelock int64       `json:"timelock"`
	CoinType string      `json:"coin_type,omitempty"`
}

func (MoveEscrowRef) Chain() Chain { return ChainMovement }
func (r MoveEscrowRef) String() string {
	return r.Registry + "#" + strconv.FormatUint(r.EscrowID, 10)
}
func (MoveEscrowRef) lockedRef() {}

// CheckRef verifies that ref is the variant used by chain
func CheckRef(chain Chain, ref LockedRef) error {
	if ref == nil {
		return fmt.Errorf("missing locked reference for %s", chain)
	}
	switch ref.(type) {
	case UTXOContractRef:
		if chain == ChainBCH {
			return nil
		}
	case ProgramEscrowRef:
		if chain == ChainSolana {
			return nil
		}
	case MoveEscrowRef:
		if chain == ChainMovement {
			return nil
		}
	default:
		return fmt.Errorf("unknown locked reference type %T", ref)
	}
	return fmt.Errorf("locked reference %T does not belong to chain %s", ref, chain)
}

const (
	refKindUTXO    = "utxo_contract"
	refKindProgram = "program_escrow"
	refKindMove    = "move_escrow"
)

// refEnvelope is the tagged JSON form of a LockedRef
type refEnvelope struct {
	Kind    string            `json:"kind"`
	UTXO    *UTXOContractRef  `json:"utxo_contract,omitempty"`
	Program *ProgramEscrowRef `json:"program_escrow,omitempty"`
	Move    *MoveEscrowRef    `json:"move_escrow,omitempty"`
}

// MarshalRef encodes ref with its variant tag, nil encodes as JSON null
func MarshalRef(ref LockedRef) ([]byte, error) {
	if ref == nil {
		return []byte("null"), nil
	}
	var env refEnvelope
	switch r := ref.(type) {
	case UTXOContractRef:
		env = refEnvelope{Kind: refKindUTXO, UTXO: &r}
	case ProgramEscrowRef:
		env = refEnvelope{Kind: refKindProgram, Program: &r}
	case MoveEscrowRef:
		env = refEnvelope{Kind: refKindMove, Move: &r}
	default:
		return nil, fmt.Errorf("unknown locked reference type %T", ref)
	}
	return json.Marshal(env)
}

// UnmarshalRef decodes the output of MarshalRef
func UnmarshalRef(data []byte) (LockedRef, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env refEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case refKindUTXO:
		if env.UTXO != nil {
			return *env.UTXO, nil
		}
	case refKindProgram:
		if env.Program != nil {
			return *env.Program, nil
		}
	case refKindMove:
		if env.Move != nil {
			return *env.Move, nil
		}
	default:
		return nil, fmt.Errorf("unknown locked reference kind %q", env.Kind)
	}
	return nil, fmt.Errorf("locked reference of kind %q has no body", env.Kind)
}
