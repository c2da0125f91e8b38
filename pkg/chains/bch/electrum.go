package bch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	electrumDialTimeout  = 15 * time.Second
	electrumWriteTimeout = 10 * time.Second
	electrumCallTimeout  = 30 * time.Second
)

var errElectrumClosed = errors.New("electrum connection closed")

// electrumError is an error object returned by the server
type electrumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *electrumError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

type electrumRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type electrumResponse struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  *electrumError  `json:"error"`
}

// electrumClient speaks electrum JSON-RPC over a websocket. The connection is
// dialed on first use and again after it drops.
type electrumClient struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan electrumResponse
	nextID  uint64

	writeMu sync.Mutex
}

func newElectrumClient(url string) *electrumClient {
	return &electrumClient{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: electrumDialTimeout},
		pending: make(map[uint64]chan electrumResponse),
	}
}

// utxo is an unspent output as listed by the server
type utxo struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

type historyItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

type scriptBalance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

type headerTip struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

type headerRange struct {
	Count int    `json:"count"`
	Hex   string `json:"hex"`
}

func (c *electrumClient) ListUnspent(ctx context.Context, scriptHash string) ([]utxo, error) {
	var out []utxo
	err := c.call(ctx, "blockchain.scripthash.listunspent", &out, scriptHash)
	return out, err
}

func (c *electrumClient) GetBalance(ctx context.Context, scriptHash string) (*scriptBalance, error) {
	var out scriptBalance
	if err := c.call(ctx, "blockchain.scripthash.get_balance", &out, scriptHash); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *electrumClient) GetHistory(ctx context.Context, scriptHash string) ([]historyItem, error) {
	var out []historyItem
	err := c.call(ctx, "blockchain.scripthash.get_history", &out, scriptHash)
	return out, err
}

// GetTransaction returns the raw transaction hex
func (c *electrumClient) GetTransaction(ctx context.Context, txID string) (string, error) {
	var out string
	err := c.call(ctx, "blockchain.transaction.get", &out, txID, false)
	return out, err
}

// Broadcast submits a raw transaction and returns its id
func (c *electrumClient) Broadcast(ctx context.Context, rawTx string) (string, error) {
	var out string
	err := c.call(ctx, "blockchain.transaction.broadcast", &out, rawTx)
	return out, err
}

func (c *electrumClient) HeaderTip(ctx context.Context) (*headerTip, error) {
	var out headerTip
	if err := c.call(ctx, "blockchain.headers.subscribe", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BlockHeaders returns up to count concatenated raw headers starting at height
func (c *electrumClient) BlockHeaders(ctx context.Context, height int64, count int) (*headerRange, error) {
	var out headerRange
	if err := c.call(ctx, "blockchain.block.headers", &out, height, count); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *electrumClient) Ping(ctx context.Context) error {
	return c.call(ctx, "server.ping", nil)
}

// Close drops the connection, pending calls fail with errElectrumClosed
func (c *electrumClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn, errElectrumClosed)
	}
}

func (c *electrumClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, electrumCallTimeout)
	defer cancel()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if params == nil {
		params = []interface{}{}
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return errElectrumClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan electrumResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	deadline := time.Now().Add(electrumWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteJSON(electrumRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return errors.Wrapf(err, "failed to send %s", method)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return errors.Wrap(resp.Error, method)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errors.Wrapf(err, "failed to decode %s result", method)
		}
		return nil
	}
}

func (c *electrumClient) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to electrum server %s", c.url)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *electrumClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}

		var resp electrumResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		// subscription notifications carry no id
		if resp.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// drop closes conn and fails every call waiting on it
func (c *electrumClient) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]chan electrumResponse)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		select {
		case ch <- electrumResponse{Error: &electrumError{Code: -1, Message: cause.Error()}}:
		default:
		}
	}
}
