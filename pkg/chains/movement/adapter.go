// Package movement settles HTLC legs through the htlc_escrow Move module on
// Movement. Escrows are entries of a registry resource, keyed by a sequential
// id, and are generic over the escrowed coin type.
package movement

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

const (
	// txExpiry is how long a submitted transaction stays valid
	txExpiry = 60 * time.Second

	// lockScanLimit bounds how many recent escrows FindLock inspects
	lockScanLimit = 20

	defaultPollInterval   = time.Second
	defaultConfirmTimeout = 30 * time.Second
)

// coinTypePattern matches a fully qualified Move struct tag like 0x1::aptos_coin::AptosCoin
var coinTypePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}::[A-Za-z_][A-Za-z0-9_]*::[A-Za-z_][A-Za-z0-9_]*(<.+>)?$`)

// vm statuses after which the same transaction may succeed
var retryableVMStatuses = []string{
	"SEQUENCE_NUMBER_TOO_OLD",
	"SEQUENCE_NUMBER_TOO_NEW",
	"TRANSACTION_EXPIRED",
	"MEMPOOL_IS_FULL",
}

// Adapter implements chains.Adapter for Movement
type Adapter struct {
	client   *restClient
	account  *account
	registry string
	coinType string
	maxGas   uint64
	sequence *sequenceTracker
	logger   logger.Logger

	pollInterval   time.Duration
	confirmTimeout time.Duration
}

var (
	_ chains.Adapter    = (*Adapter)(nil)
	_ chains.LockProber = (*Adapter)(nil)
	_ chains.ChainClock = (*Adapter)(nil)
)

// NewAdapter creates a Movement adapter from cfg
func NewAdapter(cfg *config.MovementConfig, log logger.Logger) (*Adapter, error) {
	acc, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	registry, err := normalizeAddress(cfg.HTLCAddress)
	if err != nil {
		return nil, errors.Wrap(err, "invalid htlc address")
	}
	coinType := cfg.CoinType
	if coinType == "" {
		coinType = config.DefaultMovementCoinType
	}
	if !coinTypePattern.MatchString(coinType) {
		return nil, errors.Errorf("invalid coin type %q", coinType)
	}
	maxGas := cfg.MaxGas
	if maxGas == 0 {
		maxGas = config.DefaultMovementMaxGas
	}

	log.InfoWithChain(models.ChainMovement, "Relayer address %s, registry %s", acc.address, registry)
	return &Adapter{
		client:         newRESTClient(cfg.RPCURL),
		account:        acc,
		registry:       registry,
		coinType:       coinType,
		maxGas:         maxGas,
		sequence:       newSequenceTracker(log),
		logger:         log,
		pollInterval:   defaultPollInterval,
		confirmTimeout: defaultConfirmTimeout,
	}, nil
}

func (a *Adapter) Chain() models.Chain {
	return models.ChainMovement
}

func (a *Adapter) Address() string {
	return a.account.address
}

func (a *Adapter) ValidateAddress(address string) error {
	_, err := normalizeAddress(address)
	return err
}

// SupportsToken accepts any coin type, "" is the configured native coin
func (a *Adapter) SupportsToken(token string) bool {
	return token == "" || coinTypePattern.MatchString(token)
}

func (a *Adapter) Lock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	const op = "lock"
	if !a.SupportsToken(req.Token) {
		return nil, chains.Fatal(models.ChainMovement, op, errors.Wrap(chains.ErrUnsupportedToken, req.Token))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 || !req.Amount.IsUint64() {
		return nil, chains.Fatal(models.ChainMovement, op, errors.Errorf("amount %v is outside the lockable range", req.Amount))
	}
	recipient, err := normalizeAddress(req.Recipient)
	if err != nil {
		return nil, chains.Fatal(models.ChainMovement, op, errors.Wrap(err, "invalid recipient"))
	}
	coinType := a.coinTypeOf(req.Token)

	balance, err := a.coinBalance(ctx, op, coinType)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(req.Amount) < 0 {
		return nil, chains.InsufficientBalance(models.ChainMovement, op, balance, req.Amount)
	}

	now, err := a.ChainTime(ctx)
	if err != nil {
		return nil, err
	}
	// the module takes a duration relative to the executing block, which can only
	// land after now, so the on-chain expiry is never before req.Timelock
	duration := req.Timelock - now.Unix()
	if duration <= 0 {
		return nil, chains.Fatal(models.ChainMovement, op, errors.Errorf("timelock %d already passed", req.Timelock))
	}

	txn, err := a.submit(ctx, op, fnCreateEscrow, []string{coinType}, []interface{}{
		a.registry,
		encodeBytes(req.Hashlock.Bytes()),
		recipient,
		req.Amount.String(),
		strconv.FormatInt(duration, 10),
	})
	if err != nil {
		return nil, err
	}

	id, ok := escrowIDFromEvents(txn.Events)
	if !ok {
		// the escrow exists, FindLock recovers its id on the next attempt
		return nil, chains.Transient(models.ChainMovement, op,
			errors.Errorf("transaction %s emitted no escrow id", txn.Hash))
	}
	a.logger.DebugWithChain(models.ChainMovement, "Locked %s %s in escrow %d", req.Amount, coinType, id)
	return &chains.LockReceipt{
		Ref:  a.ref(id, req, coinType),
		TxID: txn.Hash,
	}, nil
}

// FindLock scans the most recent escrows of the registry for an unsettled
// escrow funded by the relayer with the requested terms
func (a *Adapter) FindLock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	const op = "find_lock"
	coinType := a.coinTypeOf(req.Token)
	values, err := a.view(ctx, fnRegistryStats, []string{coinType}, []interface{}{a.registry})
	if err != nil {
		return nil, a.classify(op, err)
	}
	next, err := decodeNextEscrowID(values)
	if err != nil {
		return nil, chains.Transient(models.ChainMovement, op, err)
	}

	for i := uint64(0); i < lockScanLimit && i < next; i++ {
		id := next - 1 - i
		d, err := a.escrow(ctx, op, id, coinType)
		if err != nil {
			return nil, err
		}
		if d == nil || d.settled() || !sameAddress(d.Depositor, a.account.address) || !sameAddress(d.Recipient, req.Recipient) {
			continue
		}
		amount, err := d.amount()
		if err != nil || req.Amount == nil || amount.Cmp(req.Amount) != 0 {
			continue
		}
		hashlock, err := d.hashlock()
		if err != nil || hashlock != req.Hashlock {
			continue
		}
		if timelock, err := d.timelock(); err != nil || timelock < req.Timelock {
			continue
		}
		return &chains.LockReceipt{Ref: a.ref(id, req, coinType)}, nil
	}
	return nil, nil
}

func (a *Adapter) Claim(ctx context.Context, ref models.LockedRef, secret common.Hash) (string, error) {
	const op = "claim"
	r, err := a.parseRef(op, ref)
	if err != nil {
		return "", err
	}
	if !models.SecretMatches(r.Hashlock, secret) {
		return "", chains.Fatal(models.ChainMovement, op, errors.New("secret does not match the hashlock"))
	}
	txn, err := a.submit(ctx, op, fnClaim, []string{a.coinTypeOf(r.CoinType)}, []interface{}{
		a.registry,
		strconv.FormatUint(r.EscrowID, 10),
		encodeBytes(secret.Bytes()),
	})
	if err != nil {
		return "", err
	}
	return txn.Hash, nil
}

func (a *Adapter) Refund(ctx context.Context, ref models.LockedRef) (string, error) {
	const op = "refund"
	r, err := a.parseRef(op, ref)
	if err != nil {
		return "", err
	}
	coinType := a.coinTypeOf(r.CoinType)
	d, err := a.escrow(ctx, op, r.EscrowID, coinType)
	if err != nil {
		return "", err
	}
	if d == nil {
		return "", chains.Fatal(models.ChainMovement, op, errors.Wrapf(chains.ErrLockNotFound, "escrow %d", r.EscrowID))
	}
	if !sameAddress(d.Depositor, a.account.address) {
		return "", chains.Fatal(models.ChainMovement, op, errors.Errorf("escrow %d was not funded by the relayer", r.EscrowID))
	}
	txn, err := a.submit(ctx, op, fnRefund, []string{coinType}, []interface{}{
		a.registry,
		strconv.FormatUint(r.EscrowID, 10),
	})
	if err != nil {
		return "", err
	}
	return txn.Hash, nil
}

// BalanceOf returns the escrowed amount. For a maker's escrow it is zero unless
// the escrow pays the relayer under the ref's hashlock and does not expire
// before the ref's timelock.
func (a *Adapter) BalanceOf(ctx context.Context, ref models.LockedRef) (*big.Int, error) {
	const op = "balance_of"
	r, err := a.parseRef(op, ref)
	if err != nil {
		return nil, err
	}
	d, err := a.escrow(ctx, op, r.EscrowID, a.coinTypeOf(r.CoinType))
	if err != nil {
		return nil, err
	}
	if d == nil || d.settled() {
		return big.NewInt(0), nil
	}

	if !sameAddress(d.Depositor, a.account.address) {
		hashlock, err := d.hashlock()
		if err != nil {
			return nil, chains.Fatal(models.ChainMovement, op, err)
		}
		timelock, err := d.timelock()
		if err != nil {
			return nil, chains.Fatal(models.ChainMovement, op, err)
		}
		if !sameAddress(d.Recipient, a.account.address) || hashlock != r.Hashlock || timelock < r.Timelock {
			a.logger.DebugWithChain(models.ChainMovement, "Escrow %d does not match the expected terms", r.EscrowID)
			return big.NewInt(0), nil
		}
	}

	amount, err := d.amount()
	if err != nil {
		return nil, chains.Fatal(models.ChainMovement, op, err)
	}
	return amount, nil
}

// FindRevealedSecret reads the preimage the module stores on claim. The
// registry does not record the claiming transaction, so TxID is empty.
func (a *Adapter) FindRevealedSecret(ctx context.Context, ref models.LockedRef) (*chains.RevealedSecret, error) {
	const op = "find_secret"
	r, err := a.parseRef(op, ref)
	if err != nil {
		return nil, err
	}
	d, err := a.escrow(ctx, op, r.EscrowID, a.coinTypeOf(r.CoinType))
	if err != nil || d == nil || !d.IsClaimed {
		return nil, err
	}
	secret, ok := d.secret()
	if !ok || !models.SecretMatches(r.Hashlock, secret) {
		a.logger.ErrorWithChain(models.ChainMovement, "Escrow %d is claimed without a matching secret", r.EscrowID)
		return nil, nil
	}
	return &chains.RevealedSecret{Secret: secret}, nil
}

func (a *Adapter) RelayerBalance(ctx context.Context) (*big.Int, error) {
	return a.coinBalance(ctx, "relayer_balance", a.coinType)
}

func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.LedgerInfo(ctx); err != nil {
		return chains.Transient(models.ChainMovement, "ping", err)
	}
	return nil
}

// ChainTime returns the timestamp of the latest committed block
func (a *Adapter) ChainTime(ctx context.Context) (time.Time, error) {
	const op = "chain_time"
	info, err := a.client.LedgerInfo(ctx)
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainMovement, op, err)
	}
	t, err := info.Time()
	if err != nil {
		return time.Time{}, chains.Transient(models.ChainMovement, op, err)
	}
	return t, nil
}

func (a *Adapter) ref(id uint64, req chains.LockRequest, coinType string) models.MoveEscrowRef {
	return models.MoveEscrowRef{
		EscrowID: id,
		Registry: a.registry,
		Hashlock: req.Hashlock,
		Timelock: req.Timelock,
		CoinType: coinType,
	}
}

func (a *Adapter) coinTypeOf(token string) string {
	if token == "" {
		return a.coinType
	}
	return token
}

func (a *Adapter) parseRef(op string, ref models.LockedRef) (models.MoveEscrowRef, error) {
	r, ok := ref.(models.MoveEscrowRef)
	if !ok {
		return r, chains.Fatal(models.ChainMovement, op, errors.Wrapf(chains.ErrInvalidRef, "unexpected %T", ref))
	}
	// refs built from a swap request name no registry and use the configured one
	if r.Registry != "" && !sameAddress(r.Registry, a.registry) {
		return r, chains.Fatal(models.ChainMovement, op, errors.Wrapf(chains.ErrInvalidRef, "unknown registry %s", r.Registry))
	}
	if r.CoinType != "" && !coinTypePattern.MatchString(r.CoinType) {
		return r, chains.Fatal(models.ChainMovement, op, errors.Wrapf(chains.ErrInvalidRef, "invalid coin type %s", r.CoinType))
	}
	return r, nil
}

// escrow returns nil when the registry has no escrow with id
func (a *Adapter) escrow(ctx context.Context, op string, id uint64, coinType string) (*escrowDetails, error) {
	values, err := a.view(ctx, fnEscrowDetails, []string{coinType}, []interface{}{a.registry, strconv.FormatUint(id, 10)})
	var apiErr *apiError
	if errors.As(err, &apiErr) && strings.Contains(strings.ToUpper(apiErr.Message), escrowNotFoundAbort) {
		return nil, nil
	}
	if err != nil {
		return nil, a.classify(op, err)
	}
	d, err := decodeEscrowDetails(values)
	if err != nil {
		return nil, chains.Fatal(models.ChainMovement, op, err)
	}
	return d, nil
}

func (a *Adapter) coinBalance(ctx context.Context, op, coinType string) (*big.Int, error) {
	values, err := a.client.View(ctx, viewRequest{
		Function:      "0x1::coin::balance",
		TypeArguments: []string{coinType},
		Arguments:     []interface{}{a.account.address},
	})
	if err != nil {
		return nil, a.classify(op, err)
	}
	if len(values) == 0 {
		return nil, chains.Transient(models.ChainMovement, op, errors.New("empty balance result"))
	}
	var s string
	if err := json.Unmarshal(values[0], &s); err != nil {
		return nil, chains.Transient(models.ChainMovement, op, err)
	}
	balance, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, chains.Transient(models.ChainMovement, op, errors.Errorf("invalid balance %q", s))
	}
	return balance, nil
}

func (a *Adapter) view(ctx context.Context, fn string, typeArgs []string, args []interface{}) ([]json.RawMessage, error) {
	return a.client.View(ctx, viewRequest{
		Function:      a.function(fn),
		TypeArguments: typeArgs,
		Arguments:     args,
	})
}

func (a *Adapter) function(fn string) string {
	return fmt.Sprintf("%s::%s::%s", a.registry, moduleName, fn)
}

// submit simulates, signs and submits an entry function call, then waits until
// it is committed. A committed transaction that aborted is a fatal error.
func (a *Adapter) submit(ctx context.Context, op, fn string, typeArgs []string, args []interface{}) (*transaction, error) {
	gasPrice, err := a.client.EstimateGasPrice(ctx)
	if err != nil {
		return nil, a.classify(op, err)
	}
	seq, err := a.sequence.Next(ctx, func(ctx context.Context) (uint64, error) {
		return a.client.SequenceNumber(ctx, a.account.address)
	})
	if err != nil {
		return nil, chains.Transient(models.ChainMovement, op, err)
	}

	txn := transactionRequest{
		Sender:                  a.account.address,
		SequenceNumber:          strconv.FormatUint(seq, 10),
		MaxGasAmount:            strconv.FormatUint(a.maxGas, 10),
		GasUnitPrice:            strconv.FormatUint(gasPrice, 10),
		ExpirationTimestampSecs: strconv.FormatInt(time.Now().Add(txExpiry).Unix(), 10),
		Payload: entryFunctionPayload{
			Type:          "entry_function_payload",
			Function:      a.function(fn),
			TypeArguments: typeArgs,
			Arguments:     args,
		},
	}

	txn.Signature = a.account.simulationSignature()
	sim, err := a.client.Simulate(ctx, txn)
	if err != nil {
		a.sequence.Release(seq)
		return nil, a.classify(op, err)
	}
	if !sim.Success {
		a.sequence.Release(seq)
		return nil, a.vmFailure(op, "simulation", sim.VMStatus)
	}

	txn.Signature = nil
	message, err := a.client.EncodeSubmission(ctx, txn)
	if err != nil {
		a.sequence.Release(seq)
		return nil, a.classify(op, err)
	}
	sig, err := a.account.sign(message)
	if err != nil {
		a.sequence.Release(seq)
		return nil, chains.Fatal(models.ChainMovement, op, err)
	}
	txn.Signature = sig

	hash, err := a.client.Submit(ctx, txn)
	if err != nil {
		a.sequence.Release(seq)
		return nil, a.classify(op, err)
	}
	a.sequence.Track(seq, hash)
	a.logger.DebugWithChain(models.ChainMovement, "Submitted %s in %s with sequence number %d", fn, hash, seq)

	committed, err := a.waitForTransaction(ctx, hash)
	if err != nil {
		a.sequence.Invalidate()
		return nil, chains.Transient(models.ChainMovement, op, errors.Wrapf(err, "transaction %s", hash))
	}
	a.sequence.Confirm(seq)
	if !committed.Success {
		return nil, a.vmFailure(op, "transaction "+hash, committed.VMStatus)
	}
	return committed, nil
}

// waitForTransaction polls until hash is committed
func (a *Adapter) waitForTransaction(ctx context.Context, hash string) (*transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		txn, err := a.client.TransactionByHash(ctx, hash)
		if err != nil {
			a.logger.DebugWithChain(models.ChainMovement, "Polling %s: %v", hash, err)
		} else if txn != nil && txn.Type != pendingTransaction {
			return txn, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for commit")
		case <-ticker.C:
		}
	}
}

// classify maps node errors. Client errors are rejections, except the ones
// caused by a stale sequence number.
func (a *Adapter) classify(op string, err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return chains.Transient(models.ChainMovement, op, err)
	}
	switch {
	case isRetryableVMStatus(apiErr.Message):
		a.sequence.Invalidate()
		return chains.Transient(models.ChainMovement, op, err)
	case strings.Contains(apiErr.Message, "INSUFFICIENT_BALANCE"):
		return insufficientGas(op, apiErr.Message)
	case apiErr.Status == http.StatusTooManyRequests, apiErr.Status >= http.StatusInternalServerError:
		return chains.Transient(models.ChainMovement, op, err)
	}
	return chains.Fatal(models.ChainMovement, op, err)
}

func (a *Adapter) vmFailure(op, what, vmStatus string) error {
	err := errors.Errorf("%s failed: %s", what, vmStatus)
	if isRetryableVMStatus(vmStatus) {
		a.sequence.Invalidate()
		return chains.Transient(models.ChainMovement, op, err)
	}
	if strings.Contains(vmStatus, "INSUFFICIENT_BALANCE") {
		return insufficientGas(op, vmStatus)
	}
	return chains.Fatal(models.ChainMovement, op, err)
}

func isRetryableVMStatus(status string) bool {
	for _, s := range retryableVMStatuses {
		if strings.Contains(status, s) {
			return true
		}
	}
	return false
}

// insufficientGas reports that the relayer cannot pay for gas or the amount
func insufficientGas(op, status string) error {
	return &chains.Error{
		Chain: models.ChainMovement,
		Op:    op,
		Class: chains.ClassInsufficientBalance,
		Err:   errors.Wrap(chains.ErrInsufficientBalance, status),
	}
}
