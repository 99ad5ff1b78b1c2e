package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/protocols"
)

const maxResponseSize = 64 << 10

type HTTPConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// HTTPClient is the Wallet backed by the provider's JSON API. 5xx and
// network failures are retried with backoff; every CreatePurchase attempt
// carries the same Idempotency-Key so retries never double-charge.
type HTTPClient struct {
	base    string
	apiKey  string
	client  *protocols.Client
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig, m *metrics.Collector, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		client: protocols.NewClient(protocols.ClientConfig{
			Timeout:       cfg.Timeout,
			MaxAttempts:   cfg.MaxAttempts,
			RatePerSecond: 50,
			Burst:         20,
		}, nil),
		metrics: m,
		logger:  logger.With("component", "wallet"),
	}
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ContentID string `json:"content_id"`
}

func (c *HTTPClient) call(ctx context.Context, op, method, path string, headers map[string]string, in, out any) (int, *apiError, error) {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = b
	}

	resp, err := c.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		c.metrics.WalletError(op)
		c.logger.WarnContext(ctx, "wallet call failed", "operation", op, "outcome", "transient", "error", err)
		return 0, nil, err
	}

	raw, err := protocols.ReadBody(resp, maxResponseSize)
	if err != nil {
		c.metrics.WalletError(op)
		return 0, nil, fmt.Errorf("%w: reading wallet response: %v", protocols.ErrTransient, err)
	}
	if resp.StatusCode >= 400 {
		c.metrics.WalletError(op)
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		return resp.StatusCode, &ae, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.metrics.WalletError(op)
			return resp.StatusCode, nil, fmt.Errorf("decoding wallet %s response: %w", op, err)
		}
	}
	return resp.StatusCode, nil, nil
}

func statusError(op string, status int, ae *apiError) error {
	msg := ae.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	case ae.Code == "INSUFFICIENT_FUNDS":
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	default:
		return fmt.Errorf("%w: %s returned %d: %s", ErrRejected, op, status, msg)
	}
}

func (c *HTTPClient) GetBalance(ctx context.Context, userID string) (int64, error) {
	var out struct {
		BalanceCents int64 `json:"balance_cents"`
	}
	status, ae, err := c.call(ctx, "get_balance", http.MethodGet, "/v1/wallets/"+url.PathEscape(userID)+"/balance", nil, nil, &out)
	if err != nil {
		return 0, err
	}
	if ae != nil {
		return 0, statusError("get_balance", status, ae)
	}
	return out.BalanceCents, nil
}

func (c *HTTPClient) CreatePurchase(ctx context.Context, userID, contentID string, priceCents int64, idempotencyKey string) (string, error) {
	if priceCents <= 0 {
		return "", ErrInvalidPrice
	}
	in := map[string]any{
		"user_id":     userID,
		"content_id":  contentID,
		"price_cents": priceCents,
	}
	var out struct {
		TransactionID string `json:"transaction_id"`
	}
	status, ae, err := c.call(ctx, "create_purchase", http.MethodPost, "/v1/purchases",
		map[string]string{"Idempotency-Key": idempotencyKey}, in, &out)
	if err != nil {
		return "", err
	}
	if ae != nil {
		return "", statusError("create_purchase", status, ae)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("%w: purchase response without transaction id", ErrRejected)
	}
	return out.TransactionID, nil
}

// RegisterContent creates a sellable item. A 409 carrying the existing
// content id is treated as success.
func (c *HTTPClient) RegisterContent(ctx context.Context, title string, priceCents int64, metadata map[string]string) (string, error) {
	if priceCents <= 0 {
		return "", ErrInvalidPrice
	}
	in := map[string]any{
		"title":       title,
		"price_cents": priceCents,
		"metadata":    metadata,
	}
	var out struct {
		ContentID string `json:"content_id"`
	}
	status, ae, err := c.call(ctx, "register_content", http.MethodPost, "/v1/content", nil, in, &out)
	if err != nil {
		return "", err
	}
	if ae != nil {
		if status == http.StatusConflict && ae.ContentID != "" {
			return ae.ContentID, nil
		}
		return "", statusError("register_content", status, ae)
	}
	if out.ContentID == "" {
		return "", errors.New("register response without content id")
	}
	return out.ContentID, nil
}

func (c *HTTPClient) VerifyPurchase(ctx context.Context, userID, contentID string) (bool, error) {
	q := url.Values{"user_id": {userID}, "content_id": {contentID}}
	var out struct {
		Purchased bool `json:"purchased"`
	}
	status, ae, err := c.call(ctx, "verify_purchase", http.MethodGet, "/v1/purchases/verify?"+q.Encode(), nil, nil, &out)
	if err != nil {
		return false, err
	}
	if ae != nil {
		if status == http.StatusNotFound {
			return false, nil
		}
		return false, statusError("verify_purchase", status, ae)
	}
	return out.Purchased, nil
}
