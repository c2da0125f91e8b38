// Package bch settles HTLC legs on Bitcoin Cash through an electrum server.
// Locks are P2SH contracts whose address commits to every term of the swap.
package bch

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

const (
	headerSize = 80
	// medianTimeSpan is the number of blocks whose median time locktimes are checked against
	medianTimeSpan = 11
)

// Adapter implements chains.Adapter for BCH
type Adapter struct {
	client  *electrumClient
	wallet  *wallet
	params  *chaincfg.Params
	feeRate int64
	// minConfirmations of zero also counts mempool funding of a contract
	minConfirmations int64
	logger           logger.Logger
}

var (
	_ chains.Adapter    = (*Adapter)(nil)
	_ chains.LockProber = (*Adapter)(nil)
	_ chains.ChainClock = (*Adapter)(nil)
)

// NetParams returns the address parameters used on network
func NetParams(network string) *chaincfg.Params {
	if network == "mainnet" {
		return &chaincfg.MainNetParams
	}
	return &chaincfg.TestNet3Params
}

// NewAdapter creates a BCH adapter, the electrum connection is opened on first use
func NewAdapter(cfg *config.BCHConfig, network string, log logger.Logger) (*Adapter, error) {
	params := NetParams(network)
	w, err := newWallet(cfg.PrivateKeyWIF, params)
	if err != nil {
		return nil, err
	}
	feeRate := cfg.FeeRate
	if feeRate <= 0 {
		feeRate = config.DefaultBCHFeeRate
	}
	log.InfoWithChain(models.ChainBCH, "Relayer address %s, electrum server %s", w.address, cfg.ElectrumURL)
	return &Adapter{
		client:  newElectrumClient(cfg.ElectrumURL),
		wallet:  w,
		params:  params,
		feeRate: feeRate,

		minConfirmations: cfg.MinConfirmations,
		logger:           log,
	}, nil
}

// Close drops the electrum connection
func (a *Adapter) Close() {
	a.client.Close()
}

func (a *Adapter) Chain() models.Chain {
	return models.ChainBCH
}

func (a *Adapter) Address() string {
	return a.wallet.address.EncodeAddress()
}

// ValidateAddress accepts legacy base58 P2PKH and P2SH addresses of the configured network
func (a *Adapter) ValidateAddress(address string) error {
	_, err := decodeAddress(address, a.params)
	return err
}

func (a *Adapter) SupportsToken(token string) bool {
	return token == ""
}

func (a *Adapter) Lock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	const op = "lock"
	if !a.SupportsToken(req.Token) {
		return nil, chains.Fatal(models.ChainBCH, op, errors.Wrap(chains.ErrUnsupportedToken, req.Token))
	}
	if req.Amount == nil || !req.Amount.IsInt64() || req.Amount.Int64() < dustLimit {
		return nil, chains.Fatal(models.ChainBCH, op, fmt.Errorf("amount %v is outside the lockable range", req.Amount))
	}
	ref, c, err := a.lockContract(req)
	if err != nil {
		return nil, chains.Fatal(models.ChainBCH, op, err)
	}

	utxos, err := a.client.ListUnspent(ctx, scriptHash(a.wallet.pkScript))
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, op, err)
	}
	tx, err := a.wallet.buildLock(utxos, c.pkScript, req.Amount.Int64(), a.feeRate)
	if err != nil {
		var funds *insufficientFundsError
		if errors.As(err, &funds) {
			return nil, chains.InsufficientBalance(models.ChainBCH, op, big.NewInt(funds.have), big.NewInt(funds.need))
		}
		return nil, chains.Fatal(models.ChainBCH, op, err)
	}

	txID, err := a.broadcast(ctx, op, tx)
	if err != nil {
		return nil, err
	}
	a.logger.DebugWithChain(models.ChainBCH, "Locked %d satoshis in contract %s", req.Amount.Int64(), ref.Address)
	return &chains.LockReceipt{Ref: ref, TxID: txID}, nil
}

// FindLock looks for an output paying the contract the request describes.
// The address is fully determined by the request, so no index is needed.
func (a *Adapter) FindLock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	const op = "find_lock"
	ref, c, err := a.lockContract(req)
	if err != nil {
		return nil, chains.Fatal(models.ChainBCH, op, err)
	}
	utxos, err := a.client.ListUnspent(ctx, scriptHash(c.pkScript))
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, op, err)
	}
	for _, u := range utxos {
		if req.Amount != nil && big.NewInt(u.Value).Cmp(req.Amount) == 0 {
			return &chains.LockReceipt{Ref: ref, TxID: u.TxHash}, nil
		}
	}
	return nil, nil
}

// lockContract derives the contract of a relayer funded lock
func (a *Adapter) lockContract(req chains.LockRequest) (models.UTXOContractRef, *contract, error) {
	recipientPkh, err := pubKeyHash(req.Recipient, a.params)
	if err != nil {
		return models.UTXOContractRef{}, nil, err
	}
	c, err := newContract(a.wallet.address.ScriptAddress(), recipientPkh, req.Hashlock, req.Timelock, a.params)
	if err != nil {
		return models.UTXOContractRef{}, nil, err
	}
	ref := models.UTXOContractRef{
		Address:   c.address.EncodeAddress(),
		Sender:    a.Address(),
		Recipient: req.Recipient,
		Hashlock:  req.Hashlock,
		Timelock:  req.Timelock,
	}
	return ref, c, nil
}

func (a *Adapter) Claim(ctx context.Context, ref models.LockedRef, secret common.Hash) (string, error) {
	const op = "claim"
	r, c, err := a.contract(op, ref)
	if err != nil {
		return "", err
	}
	if r.Recipient != a.Address() {
		return "", chains.Fatal(models.ChainBCH, op, fmt.Errorf("contract %s does not pay the relayer", r.Address))
	}
	if !models.SecretMatches(r.Hashlock, secret) {
		return "", chains.Fatal(models.ChainBCH, op, errors.New("secret does not match the hashlock"))
	}

	utxos, err := a.client.ListUnspent(ctx, scriptHash(c.pkScript))
	if err != nil {
		return "", chains.Transient(models.ChainBCH, op, err)
	}
	if len(utxos) == 0 {
		return "", chains.Fatal(models.ChainBCH, op, errors.Wrap(chains.ErrLockNotFound, r.Address))
	}
	tx, err := a.wallet.buildContractSpend(utxos, c, a.feeRate, 0, wire.MaxTxInSequenceNum, func(sig []byte) ([]byte, error) {
		return claimScript(sig, a.wallet.pubKey, secret, c.redeemScript)
	})
	if err != nil {
		return "", chains.Fatal(models.ChainBCH, op, err)
	}
	return a.broadcast(ctx, op, tx)
}

func (a *Adapter) Refund(ctx context.Context, ref models.LockedRef) (string, error) {
	const op = "refund"
	r, c, err := a.contract(op, ref)
	if err != nil {
		return "", err
	}
	if r.Sender != a.Address() {
		return "", chains.Fatal(models.ChainBCH, op, fmt.Errorf("contract %s was not funded by the relayer", r.Address))
	}
	if r.Timelock > int64(^uint32(0)) {
		return "", chains.Fatal(models.ChainBCH, op, fmt.Errorf("timelock %d does not fit a locktime", r.Timelock))
	}

	utxos, err := a.client.ListUnspent(ctx, scriptHash(c.pkScript))
	if err != nil {
		return "", chains.Transient(models.ChainBCH, op, err)
	}
	if len(utxos) == 0 {
		return "", chains.Fatal(models.ChainBCH, op, errors.Wrap(chains.ErrLockNotFound, r.Address))
	}
	tx, err := a.wallet.buildContractSpend(utxos, c, a.feeRate, uint32(r.Timelock), refundSequence, func(sig []byte) ([]byte, error) {
		return refundScript(sig, a.wallet.pubKey, c.redeemScript)
	})
	if err != nil {
		return "", chains.Fatal(models.ChainBCH, op, err)
	}
	return a.broadcast(ctx, op, tx)
}

// BalanceOf sums the contract's outputs. A ref whose terms do not derive its
// address holds nothing the relayer could claim, so it reports zero.
func (a *Adapter) BalanceOf(ctx context.Context, ref models.LockedRef) (*big.Int, error) {
	const op = "balance_of"
	r, ok := ref.(models.UTXOContractRef)
	if !ok {
		return nil, chains.Fatal(models.ChainBCH, op, errors.Wrapf(chains.ErrInvalidRef, "%T", ref))
	}
	if err := a.ValidateAddress(r.Address); err != nil {
		return nil, chains.Fatal(models.ChainBCH, op, errors.Wrap(chains.ErrInvalidRef, err.Error()))
	}
	c, err := contractForRef(r, a.params)
	if err != nil {
		return nil, chains.Fatal(models.ChainBCH, op, errors.Wrap(chains.ErrInvalidRef, err.Error()))
	}
	if c.address.EncodeAddress() != r.Address {
		a.logger.DebugWithChain(models.ChainBCH, "Contract %s does not match its terms, derived %s", r.Address, c.address)
		return big.NewInt(0), nil
	}

	if a.minConfirmations > 0 {
		return a.confirmedBalance(ctx, op, c)
	}
	balance, err := a.client.GetBalance(ctx, scriptHash(c.pkScript))
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, op, err)
	}
	return big.NewInt(balance.Confirmed + balance.Unconfirmed), nil
}

// confirmedBalance sums the contract outputs buried under at least minConfirmations blocks
func (a *Adapter) confirmedBalance(ctx context.Context, op string, c *contract) (*big.Int, error) {
	utxos, err := a.client.ListUnspent(ctx, scriptHash(c.pkScript))
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, op, err)
	}
	tip, err := a.client.HeaderTip(ctx)
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, op, err)
	}

	total := new(big.Int)
	for _, u := range utxos {
		if u.Height <= 0 || tip.Height-u.Height+1 < a.minConfirmations {
			continue
		}
		total.Add(total, big.NewInt(u.Value))
	}
	return total, nil
}

// FindRevealedSecret scans the spends of the contract for the preimage
func (a *Adapter) FindRevealedSecret(ctx context.Context, ref models.LockedRef) (*chains.RevealedSecret, error) {
	const op = "find_secret"
	r, c, err := a.contract(op, ref)
	if err != nil {
		return nil, err
	}

	history, err := a.client.GetHistory(ctx, scriptHash(c.pkScript))
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, op, err)
	}
	for _, item := range history {
		raw, err := a.client.GetTransaction(ctx, item.TxHash)
		if err != nil {
			return nil, chains.Transient(models.ChainBCH, op, err)
		}
		tx, err := decodeTx(raw)
		if err != nil {
			a.logger.ErrorWithChain(models.ChainBCH, "Failed to decode tx %s: %v", item.TxHash, err)
			continue
		}
		for _, in := range tx.TxIn {
			if !bytes.Contains(in.SignatureScript, c.redeemScript) {
				continue
			}
			if secret, ok := extractSecret(in.SignatureScript, r.Hashlock); ok {
				return &chains.RevealedSecret{Secret: secret, TxID: tx.TxHash().String()}, nil
			}
		}
	}
	return nil, nil
}

func (a *Adapter) RelayerBalance(ctx context.Context) (*big.Int, error) {
	balance, err := a.client.GetBalance(ctx, scriptHash(a.wallet.pkScript))
	if err != nil {
		return nil, chains.Transient(models.ChainBCH, "relayer_balance", err)
	}
	return big.NewInt(balance.Confirmed + balance.Unconfirmed), nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.client.Ping(ctx); err != nil {
		return chains.Transient(models.ChainBCH, "ping", err)
	}
	return nil
}

// ChainTime is the median time of the last blocks, which is what CHECKLOCKTIMEVERIFY
// compares a refund's locktime against
func (a *Adapter) ChainTime(ctx context.Context) (time.Time, error) {
	const op = "chain_time"
	tip, err := a.client.HeaderTip(ctx)
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainBCH, op, err)
	}
	start := tip.Height - medianTimeSpan + 1
	if start < 0 {
		start = 0
	}
	headers, err := a.client.BlockHeaders(ctx, start, int(tip.Height-start+1))
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainBCH, op, err)
	}
	median, err := medianTime(headers.Hex)
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainBCH, op, err)
	}
	return median, nil
}

// contract checks ref and rebuilds its contract, failing when the terms do not derive the address
func (a *Adapter) contract(op string, ref models.LockedRef) (models.UTXOContractRef, *contract, error) {
	r, ok := ref.(models.UTXOContractRef)
	if !ok {
		return r, nil, chains.Fatal(models.ChainBCH, op, errors.Wrapf(chains.ErrInvalidRef, "%T", ref))
	}
	c, err := contractForRef(r, a.params)
	if err != nil {
		return r, nil, chains.Fatal(models.ChainBCH, op, errors.Wrap(chains.ErrInvalidRef, err.Error()))
	}
	if c.address.EncodeAddress() != r.Address {
		return r, nil, chains.Fatal(models.ChainBCH, op,
			errors.Wrapf(chains.ErrInvalidRef, "terms derive %s, not %s", c.address, r.Address))
	}
	return r, c, nil
}

func (a *Adapter) broadcast(ctx context.Context, op string, tx *wire.MsgTx) (string, error) {
	raw, err := encodeTx(tx)
	if err != nil {
		return "", chains.Fatal(models.ChainBCH, op, err)
	}
	txID, err := a.client.Broadcast(ctx, raw)
	if err != nil {
		var rpcErr *electrumError
		if errors.As(err, &rpcErr) && isRejection(rpcErr.Message) {
			return "", chains.Fatal(models.ChainBCH, op, err)
		}
		return "", chains.Transient(models.ChainBCH, op, err)
	}
	return txID, nil
}

// isRejection reports whether a broadcast error means the node refused the
// transaction itself. A non-final refund is left transient since it becomes
// valid once the chain passes its locktime.
func isRejection(message string) bool {
	message = strings.ToLower(message)
	for _, marker := range []string{"script-verify", "bad-txns", "missingorspent", "missing-inputs", "dust"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// medianTime returns the median timestamp of concatenated raw headers
func medianTime(rawHex string) (time.Time, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return time.Time{}, err
	}
	if len(raw) == 0 || len(raw)%headerSize != 0 {
		return time.Time{}, fmt.Errorf("unexpected header data length %d", len(raw))
	}
	var stamps []int64
	for off := 0; off < len(raw); off += headerSize {
		var header wire.BlockHeader
		if err := header.Deserialize(bytes.NewReader(raw[off : off+headerSize])); err != nil {
			return time.Time{}, err
		}
		stamps = append(stamps, header.Timestamp.Unix())
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return time.Unix(stamps[len(stamps)/2], 0), nil
}
