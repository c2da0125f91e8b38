package movement

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

const (
	moduleName = "htlc_escrow"

	fnCreateEscrow  = "create_escrow"
	fnClaim         = "claim"
	fnRefund        = "refund"
	fnEscrowDetails = "get_escrow_details"
	fnRegistryStats = "get_registry_stats"

	newEscrowEvent = "::" + moduleName + "::NewEscrowEvent"

	// escrowNotFoundAbort is the abort code name raised for unknown escrow ids
	escrowNotFoundAbort = "ESCROW_NOT_FOUND"
)

// escrowDetails is the value returned by get_escrow_details. Integers are
// encoded as decimal strings and byte vectors as 0x prefixed hex.
type escrowDetails struct {
	Depositor  string `json:"depositor"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Hashlock   string `json:"hashlock"`
	Timelock   string `json:"timelock"`
	IsClaimed  bool   `json:"is_claimed"`
	IsRefunded bool   `json:"is_refunded"`
	Secret     string `json:"secret"`
}

func decodeEscrowDetails(values []json.RawMessage) (*escrowDetails, error) {
	if len(values) == 0 {
		return nil, errors.New("empty escrow details")
	}
	var d escrowDetails
	if err := json.Unmarshal(values[0], &d); err != nil {
		return nil, errors.Wrap(err, "failed to decode escrow details")
	}
	return &d, nil
}

func (d *escrowDetails) settled() bool {
	return d.IsClaimed || d.IsRefunded
}

func (d *escrowDetails) amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(d.Amount, 10)
	if !ok {
		return nil, errors.Errorf("invalid escrow amount %q", d.Amount)
	}
	return v, nil
}

func (d *escrowDetails) timelock() (int64, error) {
	return strconv.ParseInt(d.Timelock, 10, 64)
}

func (d *escrowDetails) hashlock() (common.Hash, error) {
	raw, err := decodeBytes(d.Hashlock)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, errors.Errorf("invalid escrow hashlock %q", d.Hashlock)
	}
	return common.BytesToHash(raw), nil
}

// secret returns the preimage stored by a claim, if any
func (d *escrowDetails) secret() (common.Hash, bool) {
	raw, err := decodeBytes(d.Secret)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

// decodeNextEscrowID reads get_registry_stats, whose first value is the id
// the next escrow will get
func decodeNextEscrowID(values []json.RawMessage) (uint64, error) {
	if len(values) == 0 {
		return 0, errors.New("empty registry stats")
	}
	var s string
	if err := json.Unmarshal(values[0], &s); err != nil {
		return 0, errors.Wrap(err, "failed to decode registry stats")
	}
	return strconv.ParseUint(s, 10, 64)
}

// escrowIDFromEvents finds the id emitted by create_escrow
func escrowIDFromEvents(events []event) (uint64, bool) {
	for _, e := range events {
		if !strings.Contains(e.Type, newEscrowEvent) {
			continue
		}
		var data struct {
			EscrowID string `json:"escrow_id"`
		}
		if err := json.Unmarshal(e.Data, &data); err != nil {
			continue
		}
		id, err := strconv.ParseUint(data.EscrowID, 10, 64)
		if err != nil {
			continue
		}
		return id, true
	}
	return 0, false
}

func encodeBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
