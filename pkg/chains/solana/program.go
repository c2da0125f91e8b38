package solana

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
)

var (
	escrowSeed = []byte("escrow")
	vaultSeed  = []byte("vault")

	initializeDiscriminator = discriminator("global", "initialize")
	claimDiscriminator      = discriminator("global", "claim")
	refundDiscriminator     = discriminator("global", "refund")
	escrowDiscriminator     = discriminator("account", "Escrow")
)

// discriminator is the 8 byte anchor prefix of an instruction or account
func discriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// escrowAccount is the on-chain state of one HTLC escrow. The vault PDA holds the lamports.
type escrowAccount struct {
	Maker     sol.PublicKey
	Taker     sol.PublicKey
	Hashlock  [32]byte
	Timelock  int64
	Amount    uint64
	Claimed   bool
	Refunded  bool
	Bump      uint8
	VaultBump uint8
}

// settled reports whether the escrow has been claimed or refunded
func (e *escrowAccount) settled() bool {
	return e.Claimed || e.Refunded
}

func decodeEscrow(data []byte) (*escrowAccount, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], escrowDiscriminator[:]) {
		return nil, fmt.Errorf("account is not an escrow")
	}
	var acc escrowAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acc); err != nil {
		return nil, fmt.Errorf("failed to decode escrow: %w", err)
	}
	return &acc, nil
}

// escrowAddress derives the escrow PDA of maker's lock under hashlock
func escrowAddress(programID, maker sol.PublicKey, hashlock [32]byte) (sol.PublicKey, error) {
	addr, _, err := sol.FindProgramAddress([][]byte{escrowSeed, maker.Bytes(), hashlock[:]}, programID)
	return addr, err
}

// vaultAddress derives the PDA holding the escrowed lamports
func vaultAddress(programID, escrow sol.PublicKey) (sol.PublicKey, error) {
	addr, _, err := sol.FindProgramAddress([][]byte{vaultSeed, escrow.Bytes()}, programID)
	return addr, err
}

type initializeArgs struct {
	Hashlock [32]byte
	Timelock int64
	Amount   uint64
}

func instructionData(d [8]byte, args interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(d[:])
	if args != nil {
		if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// newInitializeInstruction locks amount from maker for taker
func newInitializeInstruction(programID, maker, taker sol.PublicKey, hashlock [32]byte, timelock int64, amount uint64) (sol.Instruction, error) {
	escrow, err := escrowAddress(programID, maker, hashlock)
	if err != nil {
		return nil, err
	}
	vault, err := vaultAddress(programID, escrow)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(initializeDiscriminator, initializeArgs{Hashlock: hashlock, Timelock: timelock, Amount: amount})
	if err != nil {
		return nil, err
	}
	return sol.NewInstruction(
		programID,
		sol.AccountMetaSlice{
			{PublicKey: maker, IsSigner: true, IsWritable: true},
			{PublicKey: taker, IsSigner: false, IsWritable: false},
			{PublicKey: escrow, IsSigner: false, IsWritable: true},
			{PublicKey: vault, IsSigner: false, IsWritable: true},
			{PublicKey: sol.SystemProgramID, IsSigner: false, IsWritable: false},
		},
		data,
	), nil
}

// newClaimInstruction releases the vault to taker with the preimage
func newClaimInstruction(programID, escrow, maker, taker sol.PublicKey, secret [32]byte) (sol.Instruction, error) {
	vault, err := vaultAddress(programID, escrow)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(claimDiscriminator, struct{ Secret [32]byte }{secret})
	if err != nil {
		return nil, err
	}
	return sol.NewInstruction(
		programID,
		sol.AccountMetaSlice{
			{PublicKey: taker, IsSigner: true, IsWritable: true},
			{PublicKey: maker, IsSigner: false, IsWritable: true},
			{PublicKey: escrow, IsSigner: false, IsWritable: true},
			{PublicKey: vault, IsSigner: false, IsWritable: true},
			{PublicKey: sol.SystemProgramID, IsSigner: false, IsWritable: false},
		},
		data,
	), nil
}

// newRefundInstruction returns the vault to maker after the timelock
func newRefundInstruction(programID, escrow, maker sol.PublicKey) (sol.Instruction, error) {
	vault, err := vaultAddress(programID, escrow)
	if err != nil {
		return nil, err
	}
	data, err := instructionData(refundDiscriminator, nil)
	if err != nil {
		return nil, err
	}
	return sol.NewInstruction(
		programID,
		sol.AccountMetaSlice{
			{PublicKey: maker, IsSigner: true, IsWritable: true},
			{PublicKey: escrow, IsSigner: false, IsWritable: true},
			{PublicKey: vault, IsSigner: false, IsWritable: true},
			{PublicKey: sol.SystemProgramID, IsSigner: false, IsWritable: false},
		},
		data,
	), nil
}

// claimSecret returns the preimage carried by a claim instruction's data
func claimSecret(data []byte) ([32]byte, bool) {
	var secret [32]byte
	if len(data) != 8+32 || !bytes.Equal(data[:8], claimDiscriminator[:]) {
		return secret, false
	}
	copy(secret[:], data[8:])
	return secret, true
}
