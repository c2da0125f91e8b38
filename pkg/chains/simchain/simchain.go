// Package simchain is an in-memory HTLC ledger implementing chains.Adapter.
// It is used by the settlement tests and by the relayer's dry-run mode.
package simchain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// Operation names accepted by FailNext and Calls
const (
	OpLock           = "lock"
	OpClaim          = "claim"
	OpRefund         = "refund"
	OpBalanceOf      = "balance_of"
	OpFindSecret     = "find_secret"
	OpRelayerBalance = "relayer_balance"
	OpPing           = "ping"
)

var (
	errAlreadySettled  = errors.New("lock already settled")
	errWrongSecret     = errors.New("secret does not match hashlock")
	errTimelockPending = errors.New("timelock not reached")
	errNotSender       = errors.New("relayer is not the lock sender")
)

type fault struct {
	err   error
	apply bool
}

type htlc struct {
	ref       models.LockedRef
	sender    string
	recipient string
	hashlock  common.Hash
	amount    *big.Int
	timelock  int64
	lockTx    string

	claimed  bool
	refunded bool
	secret   common.Hash
	claimTx  string
}

// Chain simulates one chain holding HTLC locks
type Chain struct {
	mu sync.Mutex

	chain    models.Chain
	relayer  string
	tokens   map[string]bool
	now      func() time.Time
	balances map[string]*big.Int
	locks    map[string]*htlc
	faults   map[string][]fault
	calls    map[string]int
	nextID   uint64
}

// Option configures a simulated chain
type Option func(*Chain)

// WithClock sets the time source used as chain time
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

// WithTokens adds non-native tokens the chain accepts in Lock
func WithTokens(tokens ...string) Option {
	return func(c *Chain) {
		for _, t := range tokens {
			c.tokens[t] = true
		}
	}
}

// New creates a simulated chain where relayer is the relayer's own address
func New(chain models.Chain, relayer string, opts ...Option) *Chain {
	c := &Chain{
		chain:    chain,
		relayer:  relayer,
		tokens:   map[string]bool{"": true},
		now:      time.Now,
		balances: make(map[string]*big.Int),
		locks:    make(map[string]*htlc),
		faults:   make(map[string][]fault),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ chains.Adapter    = (*Chain)(nil)
	_ chains.LockProber = (*Chain)(nil)
	_ chains.ChainClock = (*Chain)(nil)
)

// Fund credits amount to address
func (c *Chain) Fund(address string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(address, amount)
}

// Balance returns the free balance of address
func (c *Chain) Balance(address string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[address]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// FailNext makes the next call of op return err without touching state
func (c *Chain) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], fault{err: err})
}

// FailAfterApply makes the next call of op take effect and then return err,
// like a transaction that landed while the RPC connection dropped
func (c *Chain) FailAfterApply(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], fault{err: err, apply: true})
}

// Calls returns how many times op was invoked
func (c *Chain) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// OpenLock creates a lock on behalf of a maker, as if sender had broadcast it
func (c *Chain) OpenLock(sender, recipient string, hashlock common.Hash, amount *big.Int, timelock int64) models.LockedRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.newLock(sender, recipient, hashlock, amount, timelock)
	return h.ref
}

// Redeem claims a lock as its recipient, revealing secret on chain
func (c *Chain) Redeem(ref models.LockedRef, secret common.Hash) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claim(OpClaim, ref, secret)
}

// RevealUnchecked settles a lock as claimed with secret without checking it
// against the hashlock, the way a faulty indexer might report it
func (c *Chain) RevealUnchecked(ref models.LockedRef, secret common.Hash) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.lookup(OpClaim, ref)
	if err != nil {
		return "", err
	}
	h.claimed = true
	h.secret = secret
	h.claimTx = c.txID()
	return h.claimTx, nil
}

// Lock is the relayer funding a lock for req.Recipient
func (c *Chain) Lock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.fault(OpLock)
	if err != nil && !f.apply {
		return nil, err
	}

	if !c.tokens[req.Token] {
		return nil, chains.Fatal(c.chain, OpLock, errors.Wrapf(chains.ErrUnsupportedToken, "token %q", req.Token))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, chains.Fatal(c.chain, OpLock, errors.New("amount must be positive"))
	}
	have := c.balanceOf(c.relayer)
	if have.Cmp(req.Amount) < 0 {
		return nil, chains.InsufficientBalance(c.chain, OpLock, have, req.Amount)
	}

	c.debit(c.relayer, req.Amount)
	h := c.newLock(c.relayer, req.Recipient, req.Hashlock, req.Amount, req.Timelock)
	if f.apply {
		return nil, err
	}
	return &chains.LockReceipt{Ref: h.ref, TxID: h.lockTx}, nil
}

// Claim redeems a lock paying the relayer
func (c *Chain) Claim(ctx context.Context, ref models.LockedRef, secret common.Hash) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.fault(OpClaim)
	if err != nil && !f.apply {
		return "", err
	}
	tx, claimErr := c.claim(OpClaim, ref, secret)
	if claimErr != nil {
		return "", claimErr
	}
	if f.apply {
		return "", err
	}
	return tx, nil
}

// Refund returns an expired relayer lock to the relayer
func (c *Chain) Refund(ctx context.Context, ref models.LockedRef) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.fault(OpRefund); err != nil {
		return "", err
	}
	h, err := c.lookup(OpRefund, ref)
	if err != nil {
		return "", err
	}
	if h.claimed || h.refunded {
		return "", chains.Fatal(c.chain, OpRefund, errAlreadySettled)
	}
	if h.sender != c.relayer {
		return "", chains.Fatal(c.chain, OpRefund, errNotSender)
	}
	if c.now().Unix() < h.timelock {
		return "", chains.Transient(c.chain, OpRefund, errTimelockPending)
	}

	h.refunded = true
	c.credit(h.sender, h.amount)
	return c.txID(), nil
}

// BalanceOf returns the value of a lock. Maker locks count only when they pay
// the relayer under the expected hashlock and do not expire early.
func (c *Chain) BalanceOf(ctx context.Context, ref models.LockedRef) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.fault(OpBalanceOf); err != nil {
		return nil, err
	}
	if err := models.CheckRef(c.chain, ref); err != nil {
		return nil, chains.Fatal(c.chain, OpBalanceOf, errors.Wrap(chains.ErrInvalidRef, err.Error()))
	}
	h, ok := c.locks[refKey(ref)]
	if !ok || h.claimed || h.refunded {
		return big.NewInt(0), nil
	}
	hashlock, timelock := refTerms(ref)
	if h.sender != c.relayer {
		if h.recipient != c.relayer || h.hashlock != hashlock || h.timelock < timelock {
			return big.NewInt(0), nil
		}
	}
	return new(big.Int).Set(h.amount), nil
}

// FindRevealedSecret returns the secret used to claim the lock, if any
func (c *Chain) FindRevealedSecret(ctx context.Context, ref models.LockedRef) (*chains.RevealedSecret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.fault(OpFindSecret); err != nil {
		return nil, err
	}
	h, err := c.lookup(OpFindSecret, ref)
	if err != nil {
		return nil, err
	}
	if !h.claimed {
		return nil, nil
	}
	return &chains.RevealedSecret{Secret: h.secret, TxID: h.claimTx}, nil
}

// FindLock looks for a relayer lock matching req
func (c *Chain) FindLock(ctx context.Context, req chains.LockRequest) (*chains.LockReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.locks {
		if h.sender == c.relayer && h.recipient == req.Recipient && h.hashlock == req.Hashlock &&
			h.timelock == req.Timelock && req.Amount != nil && h.amount.Cmp(req.Amount) == 0 {
			return &chains.LockReceipt{Ref: h.ref, TxID: h.lockTx}, nil
		}
	}
	return nil, nil
}

// RelayerBalance returns the relayer's free balance
func (c *Chain) RelayerBalance(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.fault(OpRelayerBalance); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.balanceOf(c.relayer)), nil
}

func (c *Chain) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.fault(OpPing)
	return err
}

func (c *Chain) ChainTime(ctx context.Context) (time.Time, error) {
	return c.now(), nil
}

func (c *Chain) Chain() models.Chain { return c.chain }

func (c *Chain) Address() string { return c.relayer }

func (c *Chain) ValidateAddress(address string) error {
	if address == "" || strings.ContainsAny(address, " \t\n") {
		return fmt.Errorf("invalid %s address %q", c.chain, address)
	}
	return nil
}

func (c *Chain) SupportsToken(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[token]
}

// fault pops the next injected failure for op. Callers hold c.mu.
func (c *Chain) fault(op string) (fault, error) {
	c.calls[op]++
	queue := c.faults[op]
	if len(queue) == 0 {
		return fault{}, nil
	}
	c.faults[op] = queue[1:]
	return queue[0], queue[0].err
}

func (c *Chain) claim(op string, ref models.LockedRef, secret common.Hash) (string, error) {
	h, err := c.lookup(op, ref)
	if err != nil {
		return "", err
	}
	if h.claimed || h.refunded {
		return "", chains.Fatal(c.chain, op, errAlreadySettled)
	}
	if !models.SecretMatches(h.hashlock, secret) {
		return "", chains.Fatal(c.chain, op, errWrongSecret)
	}
	h.claimed = true
	h.secret = secret
	h.claimTx = c.txID()
	c.credit(h.recipient, h.amount)
	return h.claimTx, nil
}

func (c *Chain) lookup(op string, ref models.LockedRef) (*htlc, error) {
	if err := models.CheckRef(c.chain, ref); err != nil {
		return nil, chains.Fatal(c.chain, op, errors.Wrap(chains.ErrInvalidRef, err.Error()))
	}
	h, ok := c.locks[refKey(ref)]
	if !ok {
		return nil, chains.Fatal(c.chain, op, chains.ErrLockNotFound)
	}
	return h, nil
}

func (c *Chain) newLock(sender, recipient string, hashlock common.Hash, amount *big.Int, timelock int64) *htlc {
	c.nextID++
	id := c.nextID

	var ref models.LockedRef
	switch c.chain {
	case models.ChainBCH:
		ref = models.UTXOContractRef{
			Address:   fmt.Sprintf("sim-p2sh-%d", id),
			Sender:    sender,
			Recipient: recipient,
			Hashlock:  hashlock,
			Timelock:  timelock,
		}
	case models.ChainSolana:
		ref = models.ProgramEscrowRef{
			Escrow:   fmt.Sprintf("sim-escrow-%d", id),
			Maker:    sender,
			Hashlock: hashlock,
			Timelock: timelock,
		}
	default:
		ref = models.MoveEscrowRef{
			EscrowID: id,
			Hashlock: hashlock,
			Timelock: timelock,
		}
	}

	h := &htlc{
		ref:       ref,
		sender:    sender,
		recipient: recipient,
		hashlock:  hashlock,
		amount:    new(big.Int).Set(amount),
		timelock:  timelock,
		lockTx:    c.txID(),
	}
	c.locks[refKey(ref)] = h
	return h
}

func (c *Chain) txID() string {
	c.nextID++
	return fmt.Sprintf("%s-tx-%d", c.chain.Slug(), c.nextID)
}

func (c *Chain) balanceOf(address string) *big.Int {
	if b, ok := c.balances[address]; ok {
		return b
	}
	return big.NewInt(0)
}

func (c *Chain) credit(address string, amount *big.Int) {
	c.balances[address] = new(big.Int).Add(c.balanceOf(address), amount)
}

func (c *Chain) debit(address string, amount *big.Int) {
	c.balances[address] = new(big.Int).Sub(c.balanceOf(address), amount)
}

// refKey identifies a lock the way its chain does. Move escrows are keyed by id
// alone since the registry is implied by the adapter.
func refKey(ref models.LockedRef) string {
	if r, ok := ref.(models.MoveEscrowRef); ok {
		return strconv.FormatUint(r.EscrowID, 10)
	}
	return ref.String()
}

func refTerms(ref models.LockedRef) (common.Hash, int64) {
	switch r := ref.(type) {
	case models.UTXOContractRef:
		return r.Hashlock, r.Timelock
	case models.ProgramEscrowRef:
		return r.Hashlock, r.Timelock
	case models.MoveEscrowRef:
		return r.Hashlock, r.Timelock
	}
	return common.Hash{}, 0
}
