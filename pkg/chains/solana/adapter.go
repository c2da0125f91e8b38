// Package solana settles HTLC legs through the escrow program on Solana.
// Escrows live at PDAs derived from the maker and the hashlock, with the
// lamports held in a vault PDA derived from the escrow.
package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

const (
	// feeReserve is kept aside for fees and rent when funding a lock
	feeReserve = 5_000_000

	// signatureScanLimit bounds how many transactions are inspected per secret lookup
	signatureScanLimit = 25

	// rpcErrSimulationFailed is returned when preflight simulation rejects a transaction
	rpcErrSimulationFailed = -32002
)

// Adapter implements chains.Adapter for Solana
type Adapter struct {
	client    *rpc.Client
	signer    sol.PrivateKey
	programID sol.PublicKey
	logger    logger.Logger
}

var (
	_ chains.Adapter    = (*Adapter)(nil)
	_ chains.LockProber = (*Adapter)(nil)
	_ chains.ChainClock = (*Adapter)(nil)
)

// NewAdapter creates a Solana adapter from cfg
func NewAdapter(cfg *config.SolanaConfig, log logger.Logger) (*Adapter, error) {
	signer, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	programID, err := sol.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid program id")
	}
	log.InfoWithChain(models.ChainSolana, "Relayer address %s, program %s", signer.PublicKey(), programID)
	return &Adapter{
		client:    rpc.New(cfg.RPCURL),
		signer:    signer,
		programID: programID,
		logger:    log,
	}, nil
}

// parsePrivateKey accepts a base58 key or the JSON byte array written by solana-keygen
func parsePrivateKey(s string) (sol.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, errors.Wrap(err, "invalid private key array")
		}
		key := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, errors.Errorf("invalid private key byte %d", v)
			}
			key[i] = byte(v)
		}
		if len(key) != 64 {
			return nil, errors.Errorf("private key must be 64 bytes, got %d", len(key))
		}
		return sol.PrivateKey(key), nil
	}
	key, err := sol.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return key, nil
}

func (a *Adapter) Chain() models.Chain {
	return models.ChainSolana
}

func (a *Adapter) Address() string {
	return a.signer.PublicKey().String()
}

func (a *Adapter) ValidateAddress(address string) error {
	if _, err := sol.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	return nil
}

// SupportsToken only accepts native SOL
func (a *Adapter) SupportsToken(token string) bool {
	return token == ""
}

func (a *Adapter) Lock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	const op = "lock"
	if !a.SupportsToken(req.Token) {
		return nil, chains.Fatal(models.ChainSolana, op, errors.Wrap(chains.ErrUnsupportedToken, req.Token))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 || !req.Amount.IsUint64() {
		return nil, chains.Fatal(models.ChainSolana, op, errors.Errorf("amount %v is outside the lockable range", req.Amount))
	}
	taker, err := sol.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, chains.Fatal(models.ChainSolana, op, errors.Wrap(err, "invalid recipient"))
	}

	balance, err := a.RelayerBalance(ctx)
	if err != nil {
		return nil, err
	}
	need := new(big.Int).Add(req.Amount, big.NewInt(feeReserve))
	if balance.Cmp(need) < 0 {
		return nil, chains.InsufficientBalance(models.ChainSolana, op, balance, need)
	}

	maker := a.signer.PublicKey()
	ix, err := newInitializeInstruction(a.programID, maker, taker, req.Hashlock, req.Timelock, req.Amount.Uint64())
	if err != nil {
		return nil, chains.Fatal(models.ChainSolana, op, err)
	}
	sig, err := a.send(ctx, op, ix)
	if err != nil {
		return nil, err
	}

	escrow, _ := escrowAddress(a.programID, maker, req.Hashlock)
	a.logger.DebugWithChain(models.ChainSolana, "Locked %s lamports in escrow %s", req.Amount, escrow)
	return &chains.LockReceipt{
		Ref: models.ProgramEscrowRef{
			Escrow:   escrow.String(),
			Maker:    maker.String(),
			Hashlock: req.Hashlock,
			Timelock: req.Timelock,
		},
		TxID: sig.String(),
	}, nil
}

// FindLock checks whether the relayer's escrow for the request's hashlock exists with the requested terms
func (a *Adapter) FindLock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	const op = "find_lock"
	maker := a.signer.PublicKey()
	escrow, err := escrowAddress(a.programID, maker, req.Hashlock)
	if err != nil {
		return nil, chains.Fatal(models.ChainSolana, op, err)
	}
	acc, err := a.escrow(ctx, op, escrow)
	if err != nil || acc == nil {
		return nil, err
	}
	if acc.Taker.String() != req.Recipient || acc.Timelock != req.Timelock ||
		req.Amount == nil || new(big.Int).SetUint64(acc.Amount).Cmp(req.Amount) != 0 {
		return nil, nil
	}

	txID := ""
	sigs, err := a.client.GetSignaturesForAddress(ctx, escrow)
	if err == nil && len(sigs) > 0 {
		// newest first, the creating transaction is the oldest
		txID = sigs[len(sigs)-1].Signature.String()
	}
	return &chains.LockReceipt{
		Ref: models.ProgramEscrowRef{
			Escrow:   escrow.String(),
			Maker:    maker.String(),
			Hashlock: req.Hashlock,
			Timelock: req.Timelock,
		},
		TxID: txID,
	}, nil
}

func (a *Adapter) Claim(ctx context.Context, ref models.LockedRef, secret common.Hash) (string, error) {
	const op = "claim"
	r, escrow, maker, err := a.parseRef(op, ref)
	if err != nil {
		return "", err
	}
	if !models.SecretMatches(r.Hashlock, secret) {
		return "", chains.Fatal(models.ChainSolana, op, errors.New("secret does not match the hashlock"))
	}
	ix, err := newClaimInstruction(a.programID, escrow, maker, a.signer.PublicKey(), secret)
	if err != nil {
		return "", chains.Fatal(models.ChainSolana, op, err)
	}
	sig, err := a.send(ctx, op, ix)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (a *Adapter) Refund(ctx context.Context, ref models.LockedRef) (string, error) {
	const op = "refund"
	_, escrow, maker, err := a.parseRef(op, ref)
	if err != nil {
		return "", err
	}
	if !maker.Equals(a.signer.PublicKey()) {
		return "", chains.Fatal(models.ChainSolana, op, errors.Errorf("escrow %s was not funded by the relayer", escrow))
	}
	ix, err := newRefundInstruction(a.programID, escrow, maker)
	if err != nil {
		return "", chains.Fatal(models.ChainSolana, op, err)
	}
	sig, err := a.send(ctx, op, ix)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// BalanceOf returns the escrowed amount. For a maker's escrow it is zero unless the
// escrow sits at the PDA of its maker and hashlock, pays the relayer and does not
// expire before the ref's timelock.
func (a *Adapter) BalanceOf(ctx context.Context, ref models.LockedRef) (*big.Int, error) {
	const op = "balance_of"
	r, escrow, maker, err := a.parseRef(op, ref)
	if err != nil {
		return nil, err
	}
	acc, err := a.escrow(ctx, op, escrow)
	if err != nil {
		return nil, err
	}
	if acc == nil || acc.settled() {
		return big.NewInt(0), nil
	}

	if !maker.Equals(a.signer.PublicKey()) {
		expected, err := escrowAddress(a.programID, maker, r.Hashlock)
		if err != nil {
			return nil, chains.Fatal(models.ChainSolana, op, err)
		}
		switch {
		case !expected.Equals(escrow),
			!acc.Maker.Equals(maker),
			!acc.Taker.Equals(a.signer.PublicKey()),
			acc.Hashlock != r.Hashlock,
			acc.Timelock < r.Timelock:
			a.logger.DebugWithChain(models.ChainSolana, "Escrow %s does not match the expected terms", escrow)
			return big.NewInt(0), nil
		}
	}
	return new(big.Int).SetUint64(acc.Amount), nil
}

// FindRevealedSecret scans the recent transactions touching the escrow for a
// successful claim instruction
func (a *Adapter) FindRevealedSecret(ctx context.Context, ref models.LockedRef) (*chains.RevealedSecret, error) {
	const op = "find_secret"
	r, escrow, _, err := a.parseRef(op, ref)
	if err != nil {
		return nil, err
	}

	limit := signatureScanLimit
	sigs, err := a.client.GetSignaturesForAddressWithOpts(ctx, escrow, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, chains.Transient(models.ChainSolana, op, err)
	}

	version := uint64(0)
	for _, s := range sigs {
		if s.Err != nil {
			continue
		}
		out, err := a.client.GetTransaction(ctx, s.Signature, &rpc.GetTransactionOpts{
			Encoding:                       sol.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &version,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				continue
			}
			return nil, chains.Transient(models.ChainSolana, op, err)
		}
		if out.Meta != nil && out.Meta.Err != nil {
			continue
		}
		tx, err := out.Transaction.GetTransaction()
		if err != nil {
			a.logger.ErrorWithChain(models.ChainSolana, "Failed to decode tx %s: %v", s.Signature, err)
			continue
		}
		if secret, ok := a.secretFromTx(tx, r.Hashlock); ok {
			return &chains.RevealedSecret{Secret: secret, TxID: s.Signature.String()}, nil
		}
	}
	return nil, nil
}

// secretFromTx finds a claim instruction of the escrow program carrying the preimage of hashlock
func (a *Adapter) secretFromTx(tx *sol.Transaction, hashlock common.Hash) (common.Hash, bool) {
	for _, ix := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(ix.ProgramIDIndex)
		if err != nil || !program.Equals(a.programID) {
			continue
		}
		secret, ok := claimSecret(ix.Data)
		if ok && models.SecretMatches(hashlock, secret) {
			return secret, true
		}
	}
	return common.Hash{}, false
}

func (a *Adapter) RelayerBalance(ctx context.Context) (*big.Int, error) {
	out, err := a.client.GetBalance(ctx, a.signer.PublicKey(), rpc.CommitmentConfirmed)
	if err != nil {
		return nil, chains.Transient(models.ChainSolana, "relayer_balance", err)
	}
	return new(big.Int).SetUint64(out.Value), nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.GetHealth(ctx); err != nil {
		return chains.Transient(models.ChainSolana, "ping", err)
	}
	return nil
}

// ChainTime is the block time of the latest confirmed slot, which is close to
// the clock the program validates refunds against
func (a *Adapter) ChainTime(ctx context.Context) (time.Time, error) {
	const op = "chain_time"
	slot, err := a.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainSolana, op, err)
	}
	blockTime, err := a.client.GetBlockTime(ctx, slot)
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainSolana, op, err)
	}
	if blockTime == nil {
		return time.Time{}, chains.Transient(models.ChainSolana, op, errors.Errorf("no block time for slot %d", slot))
	}
	return blockTime.Time(), nil
}

func (a *Adapter) parseRef(op string, ref models.LockedRef) (models.ProgramEscrowRef, sol.PublicKey, sol.PublicKey, error) {
	r, ok := ref.(models.ProgramEscrowRef)
	if !ok {
		return r, sol.PublicKey{}, sol.PublicKey{}, chains.Fatal(models.ChainSolana, op, errors.Wrapf(chains.ErrInvalidRef, "%T", ref))
	}
	escrow, err := sol.PublicKeyFromBase58(r.Escrow)
	if err != nil {
		return r, sol.PublicKey{}, sol.PublicKey{}, chains.Fatal(models.ChainSolana, op, errors.Wrapf(chains.ErrInvalidRef, "escrow: %v", err))
	}
	maker, err := sol.PublicKeyFromBase58(r.Maker)
	if err != nil {
		return r, sol.PublicKey{}, sol.PublicKey{}, chains.Fatal(models.ChainSolana, op, errors.Wrapf(chains.ErrInvalidRef, "maker: %v", err))
	}
	return r, escrow, maker, nil
}

// escrow loads and decodes an escrow account, nil when it does not exist
func (a *Adapter) escrow(ctx context.Context, op string, address sol.PublicKey) (*escrowAccount, error) {
	out, err := a.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   sol.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, chains.Transient(models.ChainSolana, op, err)
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	if !out.Value.Owner.Equals(a.programID) {
		return nil, chains.Fatal(models.ChainSolana, op,
			errors.Wrapf(chains.ErrInvalidRef, "account %s is not owned by the escrow program", address))
	}
	acc, err := decodeEscrow(out.Value.Data.GetBinary())
	if err != nil {
		return nil, chains.Fatal(models.ChainSolana, op, errors.Wrap(chains.ErrInvalidRef, err.Error()))
	}
	return acc, nil
}

// send signs ix with the relayer key and submits it after preflight simulation
func (a *Adapter) send(ctx context.Context, op string, ix sol.Instruction) (sol.Signature, error) {
	blockhash, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return sol.Signature{}, chains.Transient(models.ChainSolana, op, errors.Wrap(err, "failed to get latest blockhash"))
	}

	tx, err := sol.NewTransaction(
		[]sol.Instruction{ix},
		blockhash.Value.Blockhash,
		sol.TransactionPayer(a.signer.PublicKey()),
	)
	if err != nil {
		return sol.Signature{}, chains.Fatal(models.ChainSolana, op, errors.Wrap(err, "failed to create transaction"))
	}
	_, err = tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if a.signer.PublicKey().Equals(key) {
			return &a.signer
		}
		return nil
	})
	if err != nil {
		return sol.Signature{}, chains.Fatal(models.ChainSolana, op, errors.Wrap(err, "failed to sign transaction"))
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return sol.Signature{}, classifySendError(op, err)
	}
	return sig, nil
}

// classifySendError treats a failed preflight simulation as a rejection, except
// when only the blockhash was stale
func classifySendError(op string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrSimulationFailed &&
		!strings.Contains(strings.ToLower(rpcErr.Message), "blockhash not found") {
		return chains.Fatal(models.ChainSolana, op, errors.Wrap(err, "transaction rejected"))
	}
	return chains.Transient(models.ChainSolana, op, errors.Wrap(err, "failed to send transaction"))
}
