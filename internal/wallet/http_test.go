package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/protocols"
)

type fakeProvider struct {
	mu          sync.Mutex
	purchaseHit int
	failFirst   bool
	keys        []string
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets/u1/balance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]int64{"balance_cents": 1200})
	})
	mux.HandleFunc("/v1/wallets/broke/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"code": "FORBIDDEN", "message": "unknown user"})
	})
	mux.HandleFunc("/v1/purchases", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			UserID     string `json:"user_id"`
			PriceCents int64  `json:"price_cents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))

		f.mu.Lock()
		f.purchaseHit++
		f.keys = append(f.keys, r.Header.Get("Idempotency-Key"))
		first := f.purchaseHit == 1
		f.mu.Unlock()

		if f.failFirst && first {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch in.UserID {
		case "poor":
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]string{"code": "INSUFFICIENT_FUNDS", "message": "balance too low"})
		case "blocked":
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"code": "CARD_DECLINED", "message": "declined"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"transaction_id": "tx-1"})
		}
	})
	mux.HandleFunc("/v1/content", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Title    string            `json:"title"`
			Metadata map[string]string `json:"metadata"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Metadata["fingerprint"] == "known" {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"code": "EXISTS", "content_id": "c-existing"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content_id": "c-new"})
	})
	mux.HandleFunc("/v1/purchases/verify", func(w http.ResponseWriter, r *http.Request) {
		owned := r.URL.Query().Get("user_id") == "u1" && r.URL.Query().Get("content_id") == "c1"
		json.NewEncoder(w).Encode(map[string]bool{"purchased": owned})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeProvider) *HTTPClient {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "k", MaxAttempts: 3}, nil, nil)
}

func TestHTTPClient_GetBalance(t *testing.T) {
	c := newTestClient(t, &fakeProvider{})

	bal, err := c.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), bal)

	_, err = c.GetBalance(context.Background(), "broke")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHTTPClient_CreatePurchase(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f)
	ctx := context.Background()

	tx, err := c.CreatePurchase(ctx, "u1", "c1", 500, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx)

	_, err = c.CreatePurchase(ctx, "poor", "c1", 500, "key-2")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = c.CreatePurchase(ctx, "blocked", "c1", 500, "key-3")
	assert.ErrorIs(t, err, ErrRejected)

	_, err = c.CreatePurchase(ctx, "u1", "c1", 0, "key-4")
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestHTTPClient_RetriesWithSameKey(t *testing.T) {
	f := &fakeProvider{failFirst: true}
	c := newTestClient(t, f)

	tx, err := c.CreatePurchase(context.Background(), "u1", "c1", 500, "key-retry")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.purchaseHit)
	assert.Equal(t, []string{"key-retry", "key-retry"}, f.keys)
}

func TestHTTPClient_ProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, MaxAttempts: 2}, nil, nil)

	_, err := c.GetBalance(context.Background(), "u1")
	assert.ErrorIs(t, err, protocols.ErrTransient)
}

func TestHTTPClient_RegisterContent(t *testing.T) {
	c := newTestClient(t, &fakeProvider{})
	ctx := context.Background()

	id, err := c.RegisterContent(ctx, "Report", 500, map[string]string{"fingerprint": "fresh"})
	require.NoError(t, err)
	assert.Equal(t, "c-new", id)

	id, err = c.RegisterContent(ctx, "Report", 500, map[string]string{"fingerprint": "known"})
	require.NoError(t, err)
	assert.Equal(t, "c-existing", id)

	_, err = c.RegisterContent(ctx, "Free", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestHTTPClient_VerifyPurchase(t *testing.T) {
	c := newTestClient(t, &fakeProvider{})

	ok, err := c.VerifyPurchase(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyPurchase(context.Background(), "u2", "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}
