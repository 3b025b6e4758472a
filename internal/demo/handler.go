// Package demo provides a small illustrative business handler to exercise
// the idempotency interceptor end to end. It is opaque to the interceptor:
// it knows nothing about idempotency keys, locks or storage, and the
// interceptor knows nothing about orders.
package demo

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nordkit/idemguard/internal/idempotency/key"
)

// Order is the resource created by a successful request. It exists only
// to give the demo endpoint something concrete to return.
type Order struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

// Handler exposes a single order-creation endpoint.
type Handler struct{}

// NewHandler constructs a Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Register binds the demo handler to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/orders", h.createOrder)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.ProductID == "" || payload.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "product_id and a positive quantity are required")
		return
	}

	order := Order{
		ID:        key.Generate(),
		ProductID: payload.ProductID,
		Quantity:  payload.Quantity,
		CreatedAt: time.Now(),
	}

	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
