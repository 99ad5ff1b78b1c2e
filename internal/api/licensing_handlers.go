package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/discovery"
	"github.com/technosupport/licensegate/internal/protocols"
)

// Discoverer is the slice of discovery.Service the handlers need.
type Discoverer interface {
	Discover(ctx context.Context, url string) (*protocols.LicenseTerms, error)
	DiscoverMany(ctx context.Context, urls []string) ([]discovery.Result, error)
	Offers(ctx context.Context, url string) (*discovery.OfferSet, error)
}

type LicensingHandler struct {
	Service Discoverer
}

func NewLicensingHandler(svc Discoverer) *LicensingHandler {
	return &LicensingHandler{Service: svc}
}

type discoverResponse struct {
	URL      string                  `json:"url"`
	Licensed bool                    `json:"licensed"`
	Terms    *protocols.LicenseTerms `json:"terms,omitempty"`
}

// POST /v1/licensing/discover
func (h *LicensingHandler) Discover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondError(w, apperr.New(apperr.KindInvalidRequest, "url is required"))
		return
	}

	terms, err := h.Service.Discover(r.Context(), req.URL)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, discoverResponse{URL: req.URL, Licensed: terms != nil, Terms: terms})
}

// POST /v1/licensing/discover/batch
func (h *LicensingHandler) DiscoverBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.URLs) == 0 {
		respondError(w, apperr.New(apperr.KindInvalidRequest, "urls must not be empty"))
		return
	}

	results, err := h.Service.DiscoverMany(r.Context(), req.URLs)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GET /v1/licensing/offers?url=
func (h *LicensingHandler) Offers(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		respondError(w, apperr.New(apperr.KindInvalidRequest, "url query parameter is required"))
		return
	}

	set, err := h.Service.Offers(r.Context(), url)
	if err != nil {
		respondError(w, err)
		return
	}
	if set == nil {
		respondError(w, apperr.New(apperr.KindNotSupported, "no licensing protocol applies to this url"))
		return
	}
	respondJSON(w, http.StatusOK, set)
}
