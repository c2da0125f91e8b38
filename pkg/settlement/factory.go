package settlement

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
)

// SwapRequest is a maker's request to swap through the relayer
type SwapRequest struct {
	Direction  models.Direction
	Maker      string
	Recipient  string
	SellAmount string
	BuyAmount  string
	BuyToken   string
	Hashlock   string
	// SourceLock is the maker's contract address, escrow account or escrow id
	SourceLock string
	// SourceTimelock is the maker's lock expiry in unix seconds. Required on BCH,
	// where it is part of the contract script.
	SourceTimelock int64
}

// Factory validates swap requests and registers them as PENDING intents
type Factory struct {
	adapters  map[models.Chain]chains.Adapter
	registry  *registry.Registry
	timelocks config.TimelockConfig
	engine    *Engine
	logger    logger.Logger
	now       func() time.Time
}

// NewFactory creates a factory. When engine is set, new intents are triggered right away.
func NewFactory(
	adapters map[models.Chain]chains.Adapter,
	reg *registry.Registry,
	timelocks config.TimelockConfig,
	engine *Engine,
	log logger.Logger,
) *Factory {
	f := &Factory{
		adapters:  adapters,
		registry:  reg,
		timelocks: timelocks,
		engine:    engine,
		logger:    log,
		now:       time.Now,
	}
	if engine != nil {
		f.now = engine.now
	}
	return f
}

// Create validates req and stores a new PENDING intent
func (f *Factory) Create(ctx context.Context, req SwapRequest) (*models.Intent, error) {
	d := req.Direction
	if !d.Valid() {
		return nil, invalidf("unsupported direction %s", d)
	}
	src, ok := f.adapters[d.Source]
	if !ok {
		return nil, invalidf("source chain %s is not enabled", d.Source)
	}
	dst, ok := f.adapters[d.Destination]
	if !ok {
		return nil, invalidf("destination chain %s is not enabled", d.Destination)
	}

	for _, field := range []struct{ name, value string }{
		{"maker", req.Maker},
		{"recipient", req.Recipient},
		{"sellAmount", req.SellAmount},
		{"buyAmount", req.BuyAmount},
		{"hashlock", req.Hashlock},
		{"sourceLock", req.SourceLock},
	} {
		if strings.TrimSpace(field.value) == "" {
			return nil, invalidf("%s is required", field.name)
		}
	}

	sellAmount, err := parseAmount(d.Source, req.SellAmount)
	if err != nil {
		return nil, invalidf("sellAmount: %v", err)
	}
	buyAmount, err := parseAmount(d.Destination, req.BuyAmount)
	if err != nil {
		return nil, invalidf("buyAmount: %v", err)
	}

	hashlock, err := models.ParseHash(req.Hashlock)
	if err != nil {
		return nil, invalidf("hashlock: %v", err)
	}
	if err := src.ValidateAddress(req.Maker); err != nil {
		return nil, invalidf("maker: %v", err)
	}
	if err := dst.ValidateAddress(req.Recipient); err != nil {
		return nil, invalidf("recipient: %v", err)
	}
	if !dst.SupportsToken(req.BuyToken) {
		return nil, invalidf("buyToken %q is not supported on %s", req.BuyToken, d.Destination)
	}

	now := f.now()
	destTimelock := now.Add(f.timelocks.Dest[d.Destination]).Unix()
	sourceTimelock := req.SourceTimelock
	if sourceTimelock == 0 {
		sourceTimelock = now.Add(f.timelocks.Source[d.Source]).Unix()
	}
	if sourceTimelock <= now.Unix() {
		return nil, invalidf("source timelock %d is in the past", sourceTimelock)
	}
	if destTimelock >= sourceTimelock {
		return nil, invalidf("destination timelock %d must expire before the source timelock %d",
			destTimelock, sourceTimelock)
	}
	minSource := destTimelock + int64(f.timelocks.SafetyMargin/time.Second)
	if minSource > sourceTimelock {
		return nil, invalidf("source timelock %d must be at least %d to leave a safety margin after the destination timelock %d",
			sourceTimelock, minSource, destTimelock)
	}

	sourceRef, err := buildSourceRef(src, req, hashlock, sourceTimelock, minSource)
	if err != nil {
		return nil, invalidf("sourceLock: %v", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	intent := &models.Intent{
		ID:             d.IDPrefix() + id.String(),
		Direction:      d,
		Maker:          req.Maker,
		Recipient:      req.Recipient,
		SellAmount:     sellAmount,
		BuyAmount:      buyAmount,
		BuyToken:       req.BuyToken,
		Hashlock:       hashlock,
		SourceTimelock: sourceTimelock,
		DestTimelock:   destTimelock,
		SourceRef:      sourceRef,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.registry.Add(intent); err != nil {
		if errors.Is(err, registry.ErrSourceLockInUse) {
			return nil, invalidf("sourceLock: %v", err)
		}
		return nil, err
	}

	metrics.IntentsCreated.WithLabelValues(d.String()).Inc()
	f.logger.Info("Created intent %s: %s %s -> %s %s", intent.ID,
		d.Source.FormatAmount(sellAmount), d.Source, d.Destination.FormatAmount(buyAmount), d.Destination)

	if f.engine != nil {
		f.engine.Trigger(intent.ID)
	}
	return intent, nil
}

// buildSourceRef describes the maker's lock in the form the source adapter expects.
// On BCH the ref carries the exact script parameters, elsewhere minTimelock is the
// earliest expiry the relayer accepts.
func buildSourceRef(src chains.Adapter, req SwapRequest, hashlock common.Hash, sourceTimelock, minTimelock int64) (models.LockedRef, error) {
	switch src.Chain() {
	case models.ChainBCH:
		if req.SourceTimelock == 0 {
			return nil, errors.Errorf("sourceTimelock is required for %s", models.ChainBCH)
		}
		if err := src.ValidateAddress(req.SourceLock); err != nil {
			return nil, err
		}
		return models.UTXOContractRef{
			Address:   req.SourceLock,
			Sender:    req.Maker,
			Recipient: src.Address(),
			Hashlock:  hashlock,
			Timelock:  sourceTimelock,
		}, nil
	case models.ChainSolana:
		if err := src.ValidateAddress(req.SourceLock); err != nil {
			return nil, err
		}
		return models.ProgramEscrowRef{
			Escrow:   req.SourceLock,
			Maker:    req.Maker,
			Hashlock: hashlock,
			Timelock: minTimelock,
		}, nil
	case models.ChainMovement:
		escrowID, err := strconv.ParseUint(strings.TrimSpace(req.SourceLock), 10, 64)
		if err != nil {
			return nil, errors.Errorf("escrow id %q is not a number", req.SourceLock)
		}
		return models.MoveEscrowRef{
			EscrowID: escrowID,
			Hashlock: hashlock,
			Timelock: minTimelock,
		}, nil
	}
	return nil, errors.Errorf("no locked reference for chain %s", src.Chain())
}

func parseAmount(chain models.Chain, s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.Errorf("%q is not a base-10 integer", s)
	}
	if amount.Sign() <= 0 {
		return nil, errors.Errorf("must be positive")
	}
	if amount.Cmp(chain.MaxAmount()) > 0 {
		return nil, errors.Errorf("exceeds the %s maximum of %s", chain, chain.MaxAmount())
	}
	return amount, nil
}
