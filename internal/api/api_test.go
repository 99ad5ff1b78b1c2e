package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/api"
	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/discovery"
	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/ledger/memory"
	"github.com/technosupport/licensegate/internal/lock"
	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/middleware"
	"github.com/technosupport/licensegate/internal/protocols"
	"github.com/technosupport/licensegate/internal/purchase"
	"github.com/technosupport/licensegate/internal/tokens"
	"github.com/technosupport/licensegate/internal/wallet"
)

// Mock discovery
type MockDiscoverer struct{}

func (MockDiscoverer) Discover(ctx context.Context, url string) (*protocols.LicenseTerms, error) {
	switch {
	case strings.Contains(url, "licensed"):
		price := protocols.Money{Micros: 10000, Currency: "USD"}
		return &protocols.LicenseTerms{Protocol: protocols.Tollbit, URL: url, AITierPrice: &price}, nil
	case strings.Contains(url, "bad"):
		return nil, apperr.New(apperr.KindInvalidRequest, "invalid url")
	}
	return nil, nil
}

func (m MockDiscoverer) DiscoverMany(ctx context.Context, urls []string) ([]discovery.Result, error) {
	out := make([]discovery.Result, len(urls))
	for i, u := range urls {
		out[i].URL = u
		terms, err := m.Discover(ctx, u)
		if err != nil {
			out[i].Error = apperr.From(err)
			continue
		}
		out[i].Terms = terms
	}
	return out, nil
}

func (m MockDiscoverer) Offers(ctx context.Context, url string) (*discovery.OfferSet, error) {
	terms, err := m.Discover(ctx, url)
	if err != nil || terms == nil {
		return nil, err
	}
	return &discovery.OfferSet{
		URL:      url,
		Protocol: terms.Protocol,
		Terms:    terms,
		Offers:   []discovery.Offer{{Tier: protocols.TierAI, Price: *terms.AITierPrice, PriceCents: 1}},
	}, nil
}

type testServer struct {
	handler http.Handler
	wallet  *wallet.Memory
	tokens  *tokens.Manager
	metrics *metrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l, err := ledger.New(memory.New(), lock.NewLocal(), ledger.Config{}, nil, nil)
	require.NoError(t, err)
	w := wallet.NewMemory()
	m := metrics.NewCollector()
	orch := purchase.New(l, w, nil, purchase.Config{PollInterval: 5 * time.Millisecond}, m, nil)
	mgr := tokens.NewManager("test-key", "licensegate", time.Minute)

	h := api.NewRouter(api.Deps{
		Discovery: MockDiscoverer{},
		Purchases: orch,
		Metrics:   m,
		Auth:      middleware.NewJWTAuth(mgr, nil, nil),
	})
	return &testServer{handler: h, wallet: w, tokens: mgr, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := s.tokens.GenerateAccessToken(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h := api.NewRouter(api.Deps{
		Discovery: MockDiscoverer{},
		Ready:     func(context.Context) error { return errors.New("db down") },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/healthz", "", nil, nil)

	w := s.do(t, http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "licensegate_http_requests_total")
}

func TestDiscover(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/licensing/discover", "", map[string]string{"url": "https://licensed.example/a"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["licensed"])
	assert.Equal(t, "TOLLBIT", body["terms"].(map[string]any)["protocol"])

	w = s.do(t, http.MethodPost, "/v1/licensing/discover", "", map[string]string{"url": "https://plain.example/a"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, false, body["licensed"])
	assert.Nil(t, body["terms"])

	w = s.do(t, http.MethodPost, "/v1/licensing/discover", "", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[errorEnvelope](t, w).Error.Code)
}

func TestDiscover_MalformedJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/licensing/discover", strings.NewReader("{"))
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDiscoverBatch(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/licensing/discover/batch", "", map[string][]string{
		"urls": {"https://licensed.example/1", "https://bad.example", "https://plain.example"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Results []struct {
			URL   string          `json:"url"`
			Terms json.RawMessage `json:"terms"`
			Err   map[string]any  `json:"error"`
		} `json:"results"`
	}](t, w)
	require.Len(t, body.Results, 3)
	assert.Equal(t, "https://licensed.example/1", body.Results[0].URL)
	assert.NotEmpty(t, body.Results[0].Terms)
	assert.Equal(t, "INVALID_REQUEST", body.Results[1].Err["code"])
	assert.Empty(t, body.Results[2].Terms)
	assert.Nil(t, body.Results[2].Err)
}

func TestOffers(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/licensing/offers?url=https://licensed.example/x", "", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	set := decode[discovery.OfferSet](t, w)
	assert.Equal(t, protocols.Tollbit, set.Protocol)
	require.Len(t, set.Offers, 1)

	w = s.do(t, http.MethodGet, "/v1/licensing/offers?url=https://plain.example/x", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_SUPPORTED", decode[errorEnvelope](t, w).Error.Code)

	w = s.do(t, http.MethodGet, "/v1/licensing/offers", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func register(t *testing.T, s *testServer, price int64) purchase.Registration {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/purchases/register", "", map[string]any{
		"query": "ai trends", "source_ids": []string{"src_1", "src_2"}, "price_cents": price,
	}, nil)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())
	return decode[purchase.Registration](t, w)
}

func TestRegister_StableContentID(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/purchases/register", "", map[string]any{
		"query": "ai trends", "source_ids": []string{"src_1", "src_2"}, "price_cents": 500,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[purchase.Registration](t, w)

	w = s.do(t, http.MethodPost, "/v1/purchases/register", "", map[string]any{
		"query": "AI Trends ", "source_ids": []string{"src_2", "src_1"}, "price_cents": 500,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[purchase.Registration](t, w)

	assert.Equal(t, first.ContentID, second.ContentID)
	assert.Equal(t, 1, s.wallet.Calls().RegisterContent)
}

func TestEvaluate(t *testing.T) {
	s := newTestServer(t)
	reg := register(t, s, 500)

	w := s.do(t, http.MethodPost, "/v1/checkout/evaluate", "", map[string]any{"content_id": reg.ContentID, "price_cents": 500}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, purchase.ActionAuthRequired, decode[purchase.Decision](t, w).NextAction)

	w = s.do(t, http.MethodPost, "/v1/checkout/evaluate", "buyer", map[string]any{"content_id": reg.ContentID, "price_cents": 500}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	dec := decode[purchase.Decision](t, w)
	assert.Equal(t, purchase.ActionFundingRequired, dec.NextAction)
	assert.Equal(t, int64(500), dec.ShortfallCents)

	s.wallet.SetBalance("buyer", 1000)
	w = s.do(t, http.MethodPost, "/v1/checkout/evaluate", "buyer", map[string]any{"content_id": reg.ContentID, "price_cents": 500}, nil)
	assert.Equal(t, purchase.ActionReady, decode[purchase.Decision](t, w).NextAction)
}

func TestPurchase_RequiresAuth(t *testing.T) {
	s := newTestServer(t)
	reg := register(t, s, 500)

	w := s.do(t, http.MethodPost, "/v1/purchases", "", map[string]any{"content_id": reg.ContentID, "price_cents": 500}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", decode[errorEnvelope](t, w).Error.Code)
}

func TestPurchase_InvalidTokenIs401(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/v1/purchases", "", map[string]any{}, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPurchase_IdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	reg := register(t, s, 500)
	s.wallet.SetBalance("buyer", 2000)

	hdr := map[string]string{"Idempotency-Key": "order-1"}
	body := map[string]any{"content_id": reg.ContentID, "price_cents": 500}

	w := s.do(t, http.MethodPost, "/v1/purchases", "buyer", body, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[ledger.PurchaseRecord](t, w)

	w = s.do(t, http.MethodPost, "/v1/purchases", "buyer", body, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[ledger.PurchaseRecord](t, w)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, s.wallet.Calls().Debits)
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	s := newTestServer(t)
	reg := register(t, s, 500)
	s.wallet.SetBalance("buyer", 100)

	w := s.do(t, http.MethodPost, "/v1/purchases", "buyer", map[string]any{"content_id": reg.ContentID, "price_cents": 500}, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", decode[errorEnvelope](t, w).Error.Code)
}

type checkoutEnvelope struct {
	Outcome purchase.Outcome `json:"outcome"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func TestCheckout(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"query": "ai trends", "source_ids": []string{"src_1"}, "price_cents": 300, "title": "AI trends"}

	w := s.do(t, http.MethodPost, "/v1/checkout", "", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	anon := decode[checkoutEnvelope](t, w)
	assert.Equal(t, purchase.StateAuthRequired, anon.Outcome.State)
	assert.Equal(t, purchase.ActionAuthRequired, anon.Outcome.NextAction)

	s.wallet.SetBalance("buyer", 1000)
	w = s.do(t, http.MethodPost, "/v1/checkout", "buyer", body, map[string]string{"Idempotency-Key": "co-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[checkoutEnvelope](t, w)
	assert.Equal(t, purchase.StateComplete, done.Outcome.State)
	require.NotNil(t, done.Outcome.Record)
	assert.NotEmpty(t, done.Outcome.Record.TransactionID)
	assert.Nil(t, done.Error)

	// Same content again: already purchased, no second debit.
	w = s.do(t, http.MethodPost, "/v1/checkout", "buyer", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[checkoutEnvelope](t, w)
	assert.Equal(t, purchase.ActionAlreadyPurchased, again.Outcome.NextAction)
	assert.Equal(t, 1, s.wallet.Calls().Debits)
}

func TestCheckout_FailureCarriesOutcome(t *testing.T) {
	s := newTestServer(t)
	s.wallet.SetBalance("buyer", 1000)
	s.wallet.RejectPurchases(wallet.ErrRejected)

	w := s.do(t, http.MethodPost, "/v1/checkout", "buyer", map[string]any{
		"query": "ai trends", "source_ids": []string{"src_1"}, "price_cents": 300,
	}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	env := decode[checkoutEnvelope](t, w)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PAYMENT_PROVIDER_REJECTED", env.Error.Code)
	assert.Equal(t, purchase.StateFailed, env.Outcome.State)
	assert.NotEmpty(t, env.Outcome.History)
}

func TestCheckout_FreeContent(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/v1/checkout", "", map[string]any{
		"query": "ai trends", "source_ids": []string{"src_1"}, "price_cents": 0,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode[checkoutEnvelope](t, w)
	assert.Equal(t, purchase.StateComplete, env.Outcome.State)
	assert.True(t, strings.HasPrefix(env.Outcome.Registration.ContentID, purchase.FreePrefix))
	assert.Equal(t, 0, s.wallet.Calls().RegisterContent)
}
