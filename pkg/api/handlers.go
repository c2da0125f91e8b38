package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/settlement"
)

const (
	maxBodySize = 1 << 20

	// ordersCompletedLimit is how many finished intents the orders view returns
	ordersCompletedLimit = 20

	defaultListLimit = 100
)

// flexString accepts a JSON string or number, so amounts and escrow ids can be
// sent either way
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

type swapRequest struct {
	Direction        string     `json:"direction"`
	MakerAddress     string     `json:"makerAddress"`
	RecipientAddress string     `json:"recipientAddress"`
	SellAmount       flexString `json:"sellAmount"`
	BuyAmount        flexString `json:"buyAmount"`
	BuyToken         string     `json:"buyToken"`
	Hashlock         string     `json:"hashlock"`
	SourceLock       flexString `json:"sourceLock"`
	SourceTimelock   int64      `json:"sourceTimelock"`

	// chain specific names of sourceLock
	BCHContractAddress string     `json:"bchContractAddress"`
	SolanaEscrowPda    string     `json:"solanaEscrowPda"`
	SourceEscrowID     flexString `json:"sourceEscrowId"`
}

func (r *swapRequest) sourceLock() string {
	for _, s := range []string{string(r.SourceLock), r.BCHContractAddress, r.SolanaEscrowPda, string(r.SourceEscrowID)} {
		if s != "" {
			return s
		}
	}
	return ""
}

type swapResponse struct {
	ID     string         `json:"id"`
	Status models.Status  `json:"status"`
	Intent *models.Intent `json:"intent"`
}

type revealSecretRequest struct {
	IntentID string `json:"intentId"`
	Secret   string `json:"secret"`
}

type revealSecretResponse struct {
	IntentID string `json:"intentId"`
	Status   string `json:"status"`
}

type intentsResponse struct {
	Intents []*models.Intent `json:"intents"`
	Count   int              `json:"count"`
}

type ordersResponse struct {
	Active    []*models.Intent `json:"active"`
	Completed []*models.Intent `json:"completed"`
}

type directionInfo struct {
	Direction          models.Direction `json:"direction"`
	Slug               string           `json:"slug"`
	Source             models.Chain     `json:"source"`
	Destination        models.Chain     `json:"destination"`
	RelayerSource      string           `json:"relayerSourceAddress"`
	RelayerDestination string           `json:"relayerDestinationAddress"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req swapRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload: "+err.Error())
		return
	}

	direction, err := swapDirection(mux.Vars(r)["direction"], req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	swap := settlement.SwapRequest{
		Direction:      direction,
		Maker:          strings.TrimSpace(req.MakerAddress),
		Recipient:      strings.TrimSpace(req.RecipientAddress),
		SellAmount:     string(req.SellAmount),
		BuyAmount:      string(req.BuyAmount),
		BuyToken:       strings.TrimSpace(req.BuyToken),
		Hashlock:       strings.TrimSpace(req.Hashlock),
		SourceLock:     strings.TrimSpace(req.sourceLock()),
		SourceTimelock: req.SourceTimelock,
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		status, resp := s.createSwap(r, swap)
		writeRaw(w, status, resp)
		return
	}

	sum := sha256.Sum256(append([]byte(direction.String()+"\n"), body...))
	fingerprint := hex.EncodeToString(sum[:])

	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	existing, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("Idempotency lookup of %q failed: %v", key, err)
		writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
		return
	}
	if existing != nil {
		if existing.Fingerprint != fingerprint {
			writeError(w, http.StatusConflict, "idempotency key was used with a different request")
			return
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, existing.StatusCode, existing.Response)
		return
	}

	status, resp := s.createSwap(r, swap)
	if status == http.StatusCreated {
		now := time.Now()
		err := s.store.Save(r.Context(), key, Record{
			StatusCode:  status,
			Response:    resp,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.window),
		})
		if err != nil {
			s.logger.Error("Failed to save idempotency key %q: %v", key, err)
		}
	}
	writeRaw(w, status, resp)
}

// createSwap runs the factory and renders the response body
func (s *Server) createSwap(r *http.Request, req settlement.SwapRequest) (int, []byte) {
	intent, err := s.factory.Create(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Failed to create %s intent: %v", req.Direction, err)
		}
		return status, mustJSON(errorResponse{Error: err.Error()})
	}
	return http.StatusCreated, mustJSON(swapResponse{ID: intent.ID, Status: intent.Status, Intent: intent})
}

// swapDirection resolves the direction of the path and the body, which must agree
func swapDirection(fromPath, fromBody string) (models.Direction, error) {
	if fromPath == "" && fromBody == "" {
		return models.Direction{}, errors.New("direction is required")
	}
	var path, body models.Direction
	var err error
	if fromPath != "" {
		if path, err = models.ParseDirection(fromPath); err != nil {
			return models.Direction{}, err
		}
	}
	if fromBody != "" {
		if body, err = models.ParseDirection(fromBody); err != nil {
			return models.Direction{}, err
		}
	}
	switch {
	case fromPath == "":
		return body, nil
	case fromBody != "" && body != path:
		return models.Direction{}, fmt.Errorf("direction %s in the body does not match the route %s", body, path)
	}
	return path, nil
}

func (s *Server) handleRevealSecret(w http.ResponseWriter, r *http.Request) {
	var req revealSecretRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if req.IntentID == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "intentId and secret are required")
		return
	}
	if err := s.engine.RevealSecret(r.Context(), req.IntentID, req.Secret); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, revealSecretResponse{IntentID: req.IntentID, Status: "accepted"})
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var intents []*models.Intent
	switch status := strings.TrimSpace(r.URL.Query().Get("status")); strings.ToLower(status) {
	case "", "active":
		intents = s.registry.Active()
	case "completed":
		intents = s.registry.Completed(limit)
	default:
		want, err := models.ParseStatus(status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		source := s.registry.Active()
		if want.IsTerminal() {
			source = s.registry.Completed(0)
		}
		for _, intent := range source {
			if intent.Status == want {
				intents = append(intents, intent)
			}
		}
	}
	if len(intents) > limit {
		intents = intents[:limit]
	}
	if intents == nil {
		intents = []*models.Intent{}
	}
	writeJSON(w, http.StatusOK, intentsResponse{Intents: intents, Count: len(intents)})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, settlement.ErrIntentNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.engine.Cancel(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ordersResponse{
		Active:    s.registry.Active(),
		Completed: s.registry.Completed(ordersCompletedLimit),
	})
}

func (s *Server) handleDirections(w http.ResponseWriter, _ *http.Request) {
	directions := []directionInfo{}
	for _, d := range models.AllDirections() {
		src, ok := s.adapters[d.Source]
		if !ok {
			continue
		}
		dst, ok := s.adapters[d.Destination]
		if !ok {
			continue
		}
		directions = append(directions, directionInfo{
			Direction:          d,
			Slug:               d.Slug(),
			Source:             d.Source,
			Destination:        d.Destination,
			RelayerSource:      src.Address(),
			RelayerDestination: dst.Address(),
		})
	}
	writeJSON(w, http.StatusOK, directions)
}

// statusFor maps engine and factory errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrNotCancellable), errors.Is(err, settlement.ErrIntentBusy):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrSecretMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorResponse{Error: "failed to encode response"})
	}
	return b
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	writeRaw(w, status, mustJSON(v))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
