// Package relayerclient provides a client for the relayer's HTTP API.
package relayerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// SwapRequest is the body of a swap submission
type SwapRequest struct {
	Direction        string `json:"direction,omitempty"`
	MakerAddress     string `json:"makerAddress"`
	RecipientAddress string `json:"recipientAddress"`
	SellAmount       string `json:"sellAmount"`
	BuyAmount        string `json:"buyAmount"`
	BuyToken         string `json:"buyToken,omitempty"`
	Hashlock         string `json:"hashlock"`
	SourceLock       string `json:"sourceLock"`
	SourceTimelock   int64  `json:"sourceTimelock,omitempty"`
}

// SwapResponse is returned by a successful submission
type SwapResponse struct {
	ID     string         `json:"id"`
	Status models.Status  `json:"status"`
	Intent *models.Intent `json:"intent"`
}

// Orders holds the active intents and the most recently finished ones
type Orders struct {
	Active    []*models.Intent `json:"active"`
	Completed []*models.Intent `json:"completed"`
}

// Direction is a swap pair served by the relayer
type Direction struct {
	Direction                 models.Direction `json:"direction"`
	Slug                      string           `json:"slug"`
	RelayerSourceAddress      string           `json:"relayerSourceAddress"`
	RelayerDestinationAddress string           `json:"relayerDestinationAddress"`
}

// APIError is a non-2xx answer from the relayer
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relayer returned %d: %s", e.StatusCode, e.Message)
}

// Client represents a relayer API client
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

// New creates a new relayer API client
func New(endpoint string, logger logger.Logger) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(),
		logger:     logger,
	}
}

// SubmitSwap registers a swap. A non-empty idempotencyKey makes the call safe to retry.
func (c *Client) SubmitSwap(ctx context.Context, req SwapRequest, idempotencyKey string) (*SwapResponse, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var resp SwapResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/swaps", req, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevealSecret pushes the preimage of an intent's hashlock
func (c *Client) RevealSecret(ctx context.Context, intentID, secret string) error {
	body := map[string]string{"intentId": intentID, "secret": secret}
	return c.do(ctx, http.MethodPost, "/api/v1/reveal-secret", body, nil, nil)
}

// GetIntent fetches an intent by id
func (c *Client) GetIntent(ctx context.Context, id string) (*models.Intent, error) {
	var intent models.Intent
	if err := c.do(ctx, http.MethodGet, "/api/v1/intents/"+url.PathEscape(id), nil, nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListIntents lists intents filtered by status, which may be active, completed
// or a single status. A limit of zero uses the server default.
func (c *Client) ListIntents(ctx context.Context, status string, limit int) ([]*models.Intent, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/intents"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp struct {
		Intents []*models.Intent `json:"intents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Intents, nil
}

// CancelIntent drops an intent whose source lock has not been confirmed
func (c *Client) CancelIntent(ctx context.Context, id string) (*models.Intent, error) {
	var intent models.Intent
	if err := c.do(ctx, http.MethodDelete, "/api/v1/intents/"+url.PathEscape(id), nil, nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListOrders returns the active intents and the last finished ones
func (c *Client) ListOrders(ctx context.Context) (*Orders, error) {
	var orders Orders
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", nil, nil, &orders); err != nil {
		return nil, err
	}
	return &orders, nil
}

// Directions returns the swap pairs the relayer serves
func (c *Client) Directions(ctx context.Context) ([]Direction, error) {
	var directions []Direction
	if err := c.do(ctx, http.MethodGet, "/api/v1/directions", nil, nil, &directions); err != nil {
		return nil, err
	}
	return directions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %v", method, path, err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(bodyBytes))
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %v, body: %s", err, string(bodyBytes))
	}
	return nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
