// Package tollbit implements the marketplace-style protocol where detection
// and token minting are one request, issued separately for each tier.
package tollbit

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

	"golang.org/x/sync/errgroup"

	"github.com/technosupport/licensegate/internal/protocols"
)

const (
	HeaderAPIKey = "TollbitKey"
	HeaderToken  = "TollbitToken"

	mintPath    = "/dev/v1/tokens/content"
	contentPath = "/dev/v2/content/"

	LicenseTypeAI   = "ON_DEMAND_LICENSE"
	LicenseTypeFull = "ON_DEMAND_FULL_USE_LICENSE"
)

var ErrUnauthorized = errors.New("tollbit: api key rejected")

type Config struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	UserAgent      string        `yaml:"user_agent"`
	Currency       string        `yaml:"currency"`
	MaxPriceMicros int64         `yaml:"max_price_micros"`
	BaseCostMicros int64         `yaml:"base_cost_micros"`
	MintTimeout    time.Duration `yaml:"mint_timeout"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

type mintRequest struct {
	URL            string `json:"url"`
	UserAgent      string `json:"userAgent"`
	MaxPriceMicros int64  `json:"maxPriceMicros"`
	Currency       string `json:"currency"`
	LicenseType    string `json:"licenseType"`
}

type mintResponse struct {
	Token       string     `json:"token"`
	PriceMicros *int64     `json:"priceMicros,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type Adapter struct {
	cfg    Config
	policy protocols.PricingPolicy
	mint   *protocols.Client
	fetch  *protocols.Client
	tokens *protocols.TokenCache
	logger *slog.Logger
	now    func() time.Time
}

func NewAdapter(cfg Config, policy protocols.PricingPolicy, tokens *protocols.TokenCache, logger *slog.Logger) *Adapter {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.MintTimeout <= 0 {
		cfg.MintTimeout = protocols.DefaultMintTimeout * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = protocols.DefaultFetchTimeout * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if policy == nil {
		policy = protocols.DefaultPolicy
	}
	if tokens == nil {
		tokens = protocols.NewTokenCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		policy: policy,
		mint:   protocols.NewClient(protocols.ClientConfig{Timeout: cfg.MintTimeout, UserAgent: cfg.UserAgent}, nil),
		fetch:  protocols.NewClient(protocols.ClientConfig{Timeout: cfg.FetchTimeout, UserAgent: cfg.UserAgent}, nil),
		tokens: tokens,
		logger: logger.With("component", "protocols.tollbit"),
		now:    time.Now,
	}
}

func (a *Adapter) Protocol() protocols.Protocol {
	return protocols.Tollbit
}

func licenseType(tier protocols.Tier) string {
	if tier == protocols.TierFullAccess {
		return LicenseTypeFull
	}
	return LicenseTypeAI
}

// CheckSource mints both tiers concurrently because the API reports one tier
// per call. A tier's price is only reported when its own mint succeeded.
func (a *Adapter) CheckSource(ctx context.Context, rawURL string) (*protocols.LicenseTerms, error) {
	u, err := protocols.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	// Each tier keeps its own error; a failing tier must not cancel the other.
	var aiTok, fullTok *protocols.LicenseToken
	var aiErr, fullErr error
	var g errgroup.Group
	g.Go(func() error {
		aiTok, aiErr = a.mintTier(ctx, rawURL, protocols.TierAI)
		return nil
	})
	g.Go(func() error {
		fullTok, fullErr = a.mintTier(ctx, rawURL, protocols.TierFullAccess)
		return nil
	})
	_ = g.Wait()

	err = errors.Join(aiErr, fullErr)
	if aiTok == nil && fullTok == nil {
		return nil, err
	}
	for tier, terr := range map[protocols.Tier]error{protocols.TierAI: aiErr, protocols.TierFullAccess: fullErr} {
		if terr != nil {
			a.logger.WarnContext(ctx, "tier probe failed", "operation", "check_source", "host", u.Hostname(),
				"tier", tier, "error", terr)
		}
	}

	terms := &protocols.LicenseTerms{
		Protocol:         protocols.Tollbit,
		URL:              u.String(),
		Publisher:        u.Hostname(),
		PermitsAIInclude: aiTok != nil,
		PermitsSearch:    true,
		PriceEstimated:   (aiTok != nil && aiTok.Estimated) || (fullTok != nil && fullTok.Estimated),
	}
	if aiTok != nil {
		p := aiTok.Cost
		terms.AITierPrice = &p
		a.tokens.Put(aiTok)
	}
	if fullTok != nil {
		p := fullTok.Cost
		terms.FullAccessPrice = &p
		a.tokens.Put(fullTok)
	}
	return terms, nil
}

// RequestLicense reuses an unspent token from discovery or mints a new one.
// The token stays cached until FetchContent spends it.
func (a *Adapter) RequestLicense(ctx context.Context, rawURL string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	if tok := a.tokens.Get(protocols.Tollbit, rawURL, tier); tok != nil {
		return tok, nil
	}
	tok, err := a.mintTier(ctx, rawURL, tier)
	if err != nil || tok == nil {
		return nil, err
	}
	a.tokens.Put(tok)
	return tok, nil
}

func (a *Adapter) mintTier(ctx context.Context, rawURL string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	body, err := json.Marshal(mintRequest{
		URL:            rawURL,
		UserAgent:      a.cfg.UserAgent,
		MaxPriceMicros: a.cfg.MaxPriceMicros,
		Currency:       a.cfg.Currency,
		LicenseType:    licenseType(tier),
	})
	if err != nil {
		return nil, err
	}

	resp, err := a.mint.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+mintPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderAPIKey, a.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		protocols.Drain(resp)
		return nil, ErrUnauthorized
	default:
		// 400/402/403/404/409: tier not configured or above our ceiling.
		protocols.Drain(resp)
		return nil, nil
	}

	raw, err := protocols.ReadBody(resp, protocols.MaxDocumentSize)
	if err != nil {
		return nil, err
	}
	var mr mintResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("tollbit: decode mint response: %w", err)
	}
	if mr.Token == "" {
		return nil, nil
	}

	cost, estimated := a.price(tier, mr)
	expires := a.now().Add(a.cfg.TokenTTL)
	if mr.ExpiresAt != nil {
		expires = *mr.ExpiresAt
	}
	return &protocols.LicenseToken{
		Token:      mr.Token,
		Protocol:   protocols.Tollbit,
		Cost:       cost,
		Estimated:  estimated,
		ExpiresAt:  expires,
		ContentURL: rawURL,
		Tier:       tier,
		SingleUse:  true,
	}, nil
}

func (a *Adapter) price(tier protocols.Tier, mr mintResponse) (protocols.Money, bool) {
	currency := a.cfg.Currency
	if mr.Currency != "" {
		currency = strings.ToUpper(mr.Currency)
	}
	if mr.PriceMicros != nil {
		return protocols.Money{Micros: *mr.PriceMicros, Currency: currency}, false
	}
	base := protocols.Money{Micros: a.cfg.BaseCostMicros, Currency: currency}
	return base.Scale(a.policy.Multiplier(tier)), true
}

// FetchContent spends a single-use token. When the delivery endpoint
// rejects it, one fresh token is minted and the request retried.
func (a *Adapter) FetchContent(ctx context.Context, rawURL string, tok *protocols.LicenseToken) (*protocols.Content, error) {
	if tok == nil {
		return nil, fmt.Errorf("tollbit: %w", protocols.ErrTokenRequired)
	}
	// Single-use: the cached copy is spent whatever the outcome.
	a.tokens.Take(protocols.Tollbit, rawURL, tok.Tier)

	c, status, err := a.get(ctx, rawURL, tok)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		fresh, err := a.mintTier(ctx, rawURL, tok.Tier)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("tollbit: %w", protocols.ErrTokenRejected)
		}
		c, status, err = a.get(ctx, rawURL, fresh)
		if err != nil {
			return nil, err
		}
	}
	if c == nil {
		return nil, fmt.Errorf("tollbit: content status %d: %w", status, protocols.ErrTokenRejected)
	}
	return c, nil
}

func (a *Adapter) get(ctx context.Context, rawURL string, tok *protocols.LicenseToken) (*protocols.Content, int, error) {
	target, err := contentURL(a.cfg.BaseURL, rawURL)
	if err != nil {
		return nil, 0, err
	}
	resp, err := a.fetch.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderToken, tok.Token)
		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		protocols.Drain(resp)
		return nil, resp.StatusCode, nil
	}
	contentType := resp.Header.Get("Content-Type")
	body, err := protocols.ReadBody(resp, protocols.MaxContentSize)
	if err != nil {
		return nil, 0, err
	}
	cost := tok.Cost
	return &protocols.Content{
		URL:         rawURL,
		Protocol:    protocols.Tollbit,
		Tier:        tok.Tier,
		ContentType: contentType,
		Body:        body,
		Charged:     &cost,
	}, http.StatusOK, nil
}

// contentURL maps https://host/path?q to {base}/dev/v2/content/host/path?q.
func contentURL(base, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	target := base + contentPath + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target, nil
}
