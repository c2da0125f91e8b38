package movement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	requestTimeout = 30 * time.Second

	userTransaction    = "user_transaction"
	pendingTransaction = "pending_transaction"
)

// apiError is the error body returned by the node REST API
type apiError struct {
	Status      int    `json:"-"`
	Message     string `json:"message"`
	ErrorCode   string `json:"error_code"`
	VMErrorCode int    `json:"vm_error_code"`
}

func (e *apiError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("node returned %d %s: %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("node returned %d: %s", e.Status, e.Message)
}

type ledgerInfo struct {
	ChainID         int    `json:"chain_id"`
	LedgerVersion   string `json:"ledger_version"`
	LedgerTimestamp string `json:"ledger_timestamp"`
}

// Time returns the timestamp of the latest committed block
func (l *ledgerInfo) Time() (time.Time, error) {
	micros, err := strconv.ParseInt(l.LedgerTimestamp, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid ledger timestamp")
	}
	return time.UnixMicro(micros), nil
}

type accountInfo struct {
	SequenceNumber    string `json:"sequence_number"`
	AuthenticationKey string `json:"authentication_key"`
}

type entryFunctionPayload struct {
	Type          string        `json:"type"`
	Function      string        `json:"function"`
	TypeArguments []string      `json:"type_arguments"`
	Arguments     []interface{} `json:"arguments"`
}

type signature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type transactionRequest struct {
	Sender                  string               `json:"sender"`
	SequenceNumber          string               `json:"sequence_number"`
	MaxGasAmount            string               `json:"max_gas_amount"`
	GasUnitPrice            string               `json:"gas_unit_price"`
	ExpirationTimestampSecs string               `json:"expiration_timestamp_secs"`
	Payload                 entryFunctionPayload `json:"payload"`
	Signature               *signature           `json:"signature,omitempty"`
}

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type transaction struct {
	Type     string  `json:"type"`
	Hash     string  `json:"hash"`
	Version  string  `json:"version"`
	Success  bool    `json:"success"`
	VMStatus string  `json:"vm_status"`
	GasUsed  string  `json:"gas_used"`
	Events   []event `json:"events"`
}

type gasEstimate struct {
	GasEstimate uint64 `json:"gas_estimate"`
}

type viewRequest struct {
	Function      string        `json:"function"`
	TypeArguments []string      `json:"type_arguments"`
	Arguments     []interface{} `json:"arguments"`
}

// restClient talks to an Aptos compatible fullnode REST API
type restClient struct {
	http *resty.Client
}

func newRESTClient(baseURL string) *restClient {
	return &restClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout).
			SetHeader("Accept", "application/json"),
	}
}

// do executes req and decodes a successful body into result
func (c *restClient) do(req *resty.Request, method, path string, result interface{}) error {
	var apiErr apiError
	res, err := req.SetError(&apiErr).SetResult(result).Execute(method, path)
	if err != nil {
		return err
	}
	if res.IsError() {
		apiErr.Status = res.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode())
		}
		return &apiErr
	}
	return nil
}

func (c *restClient) LedgerInfo(ctx context.Context) (*ledgerInfo, error) {
	var info ledgerInfo
	if err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SequenceNumber returns the next sequence number of address
func (c *restClient) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	var info accountInfo
	req := c.http.R().SetContext(ctx).SetPathParam("address", address)
	if err := c.do(req, http.MethodGet, "/accounts/{address}", &info); err != nil {
		return 0, err
	}
	return strconv.ParseUint(info.SequenceNumber, 10, 64)
}

func (c *restClient) EstimateGasPrice(ctx context.Context) (uint64, error) {
	var estimate gasEstimate
	if err := c.do(c.http.R().SetContext(ctx), http.MethodGet, "/estimate_gas_price", &estimate); err != nil {
		return 0, err
	}
	return estimate.GasEstimate, nil
}

// View calls a view function and returns its raw return values
func (c *restClient) View(ctx context.Context, req viewRequest) ([]json.RawMessage, error) {
	var values []json.RawMessage
	if err := c.do(c.http.R().SetContext(ctx).SetBody(req), http.MethodPost, "/view", &values); err != nil {
		return nil, err
	}
	return values, nil
}

// EncodeSubmission returns the BCS signing message of an unsigned transaction
func (c *restClient) EncodeSubmission(ctx context.Context, txn transactionRequest) (string, error) {
	var message string
	if err := c.do(c.http.R().SetContext(ctx).SetBody(txn), http.MethodPost, "/transactions/encode_submission", &message); err != nil {
		return "", err
	}
	return message, nil
}

// Simulate executes txn without committing it. The signature must not be valid.
func (c *restClient) Simulate(ctx context.Context, txn transactionRequest) (*transaction, error) {
	var results []transaction
	if err := c.do(c.http.R().SetContext(ctx).SetBody(txn), http.MethodPost, "/transactions/simulate", &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("empty simulation result")
	}
	return &results[0], nil
}

// Submit sends a signed transaction to the mempool and returns its hash
func (c *restClient) Submit(ctx context.Context, txn transactionRequest) (string, error) {
	var pending transaction
	if err := c.do(c.http.R().SetContext(ctx).SetBody(txn), http.MethodPost, "/transactions", &pending); err != nil {
		return "", err
	}
	return pending.Hash, nil
}

// TransactionByHash returns nil while the node does not know the transaction
func (c *restClient) TransactionByHash(ctx context.Context, hash string) (*transaction, error) {
	var txn transaction
	req := c.http.R().SetContext(ctx).SetPathParam("hash", hash)
	err := c.do(req, http.MethodGet, "/transactions/by_hash/{hash}", &txn)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
