package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/middleware"
	"github.com/technosupport/licensegate/internal/purchase"
)

// Purchaser is the slice of purchase.Orchestrator the handlers need.
type Purchaser interface {
	RegisterForPurchase(ctx context.Context, query string, sourceIDs []string, priceCents int64) (*purchase.Registration, error)
	EvaluateCheckout(ctx context.Context, contentID string, priceCents int64, userID string) (*purchase.Decision, error)
	CompletePurchase(ctx context.Context, contentID string, priceCents int64, userID, key string) (*ledger.PurchaseRecord, error)
	Checkout(ctx context.Context, req purchase.Request) (*purchase.Outcome, error)
}

const idempotencyHeader = "Idempotency-Key"

type PurchaseHandler struct {
	Service Purchaser
}

func NewPurchaseHandler(svc Purchaser) *PurchaseHandler {
	return &PurchaseHandler{Service: svc}
}

func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(key) > 255 {
		return "", apperr.New(apperr.KindInvalidRequest, "Idempotency-Key is too long")
	}
	return key, nil
}

// POST /v1/purchases/register
func (h *PurchaseHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string   `json:"query"`
		SourceIDs  []string `json:"source_ids"`
		PriceCents int64    `json:"price_cents"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	reg, err := h.Service.RegisterForPurchase(r.Context(), req.Query, req.SourceIDs, req.PriceCents)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, reg)
}

// POST /v1/checkout/evaluate
func (h *PurchaseHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID  string `json:"content_id"`
		PriceCents int64  `json:"price_cents"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	dec, err := h.Service.EvaluateCheckout(r.Context(), req.ContentID, req.PriceCents, middleware.UserID(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dec)
}

// POST /v1/purchases
func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		ContentID  string `json:"content_id"`
		PriceCents int64  `json:"price_cents"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	rec, err := h.Service.CompletePurchase(r.Context(), req.ContentID, req.PriceCents, middleware.UserID(r.Context()), key)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type checkoutResponse struct {
	Outcome *purchase.Outcome `json:"outcome"`
	Error   *apperr.Error     `json:"error,omitempty"`
}

// POST /v1/checkout runs registration, evaluation and purchase in one call.
// The outcome (with its transition history) is returned on failure too.
func (h *PurchaseHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req struct {
		Query      string   `json:"query"`
		SourceIDs  []string `json:"source_ids"`
		PriceCents int64    `json:"price_cents"`
		Title      string   `json:"title"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}

	out, err := h.Service.Checkout(r.Context(), purchase.Request{
		Query:          req.Query,
		SourceIDs:      req.SourceIDs,
		PriceCents:     req.PriceCents,
		Title:          req.Title,
		UserID:         middleware.UserID(r.Context()),
		IdempotencyKey: key,
	})
	if err != nil {
		ae := apperr.From(err)
		respondJSON(w, apperr.HTTPStatus(ae.Kind), checkoutResponse{
			Outcome: out,
			Error:   &apperr.Error{Kind: ae.Kind, Message: ae.Message},
		})
		return
	}
	respondJSON(w, http.StatusOK, checkoutResponse{Outcome: out})
}
