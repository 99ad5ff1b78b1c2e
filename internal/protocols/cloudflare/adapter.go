// Package cloudflare implements the pay-per-crawl style protocol: detection
// through a known-domain allowlist, HTTP 402 responses, or crawler pricing
// headers, with prices asserted by the origin.
package cloudflare

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/technosupport/licensegate/internal/protocols"
)

const (
	HeaderCrawlerPrice      = "crawler-price"
	HeaderCrawlerMaxPrice   = "crawler-max-price"
	HeaderCrawlerExactPrice = "crawler-exact-price"
	HeaderCrawlerCharged    = "crawler-charged"
)

type Config struct {
	Allowlist          []string      `yaml:"allowlist"`
	DefaultPriceMicros int64         `yaml:"default_price_micros"`
	Currency           string        `yaml:"currency"`
	UserAgent          string        `yaml:"user_agent"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
}

type Adapter struct {
	cfg    Config
	probe  *protocols.Client
	fetch  *protocols.Client
	tokens *protocols.TokenCache
	logger *slog.Logger
	now    func() time.Time
}

func NewAdapter(cfg Config, tokens *protocols.TokenCache, logger *slog.Logger) *Adapter {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = protocols.DefaultProbeTimeout * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = protocols.DefaultFetchTimeout * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if tokens == nil {
		tokens = protocols.NewTokenCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		probe:  protocols.NewClient(protocols.ClientConfig{Timeout: cfg.ProbeTimeout, MaxAttempts: 2, UserAgent: cfg.UserAgent}, nil),
		fetch:  protocols.NewClient(protocols.ClientConfig{Timeout: cfg.FetchTimeout, UserAgent: cfg.UserAgent}, nil),
		tokens: tokens,
		logger: logger.With("component", "protocols.cloudflare"),
		now:    time.Now,
	}
}

func (a *Adapter) Protocol() protocols.Protocol {
	return protocols.Cloudflare
}

func (a *Adapter) allowlisted(host string) bool {
	for _, d := range a.cfg.Allowlist {
		if protocols.HostMatches(host, d) {
			return true
		}
	}
	return false
}

// CheckSource treats any single signal as sufficient: allowlisted domain,
// 402 status, or a crawler pricing header.
func (a *Adapter) CheckSource(ctx context.Context, rawURL string) (*protocols.LicenseTerms, error) {
	u, err := protocols.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	allowlisted := a.allowlisted(u.Hostname())

	resp, err := a.doProbe(ctx, u.String(), "")
	if err != nil {
		if !allowlisted {
			return nil, err
		}
		// The allowlist alone is authoritative enough.
		a.logger.WarnContext(ctx, "probe failed for allowlisted domain",
			"operation", "check_source", "host", u.Hostname(), "error", err)
		return a.terms(u.String(), u.Hostname(), nil), nil
	}
	defer protocols.Drain(resp)

	priceHeader := resp.Header.Get(HeaderCrawlerPrice)
	signalled := resp.StatusCode == http.StatusPaymentRequired ||
		priceHeader != "" ||
		resp.Header.Get(HeaderCrawlerCharged) != ""
	if !signalled && !allowlisted {
		return nil, nil
	}

	var asserted *protocols.Money
	if priceHeader != "" {
		m, err := protocols.ParseCurrencyAmount(priceHeader)
		if err != nil {
			a.logger.WarnContext(ctx, "unparseable crawler price", "host", u.Hostname(), "value", priceHeader)
		} else {
			asserted = &m
		}
	}
	return a.terms(u.String(), u.Hostname(), asserted), nil
}

func (a *Adapter) terms(url, host string, asserted *protocols.Money) *protocols.LicenseTerms {
	t := &protocols.LicenseTerms{
		Protocol:         protocols.Cloudflare,
		URL:              url,
		Publisher:        host,
		PermitsAIInclude: true,
		PermitsSearch:    true,
	}
	switch {
	case asserted != nil:
		t.AITierPrice = asserted
	case a.cfg.DefaultPriceMicros > 0:
		t.AITierPrice = &protocols.Money{Micros: a.cfg.DefaultPriceMicros, Currency: a.cfg.Currency}
		t.PriceEstimated = true
	}
	return t
}

// RequestLicense only supports the AI tier; pay-per-crawl does not sell
// full human-readable access.
func (a *Adapter) RequestLicense(ctx context.Context, rawURL string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	if tier != protocols.TierAI {
		return nil, nil
	}
	if tok := a.tokens.Get(protocols.Cloudflare, rawURL, tier); tok != nil {
		return tok, nil
	}

	terms, err := a.CheckSource(ctx, rawURL)
	if err != nil || terms == nil || terms.AITierPrice == nil {
		return nil, err
	}
	price := *terms.AITierPrice

	resp, err := a.doProbe(ctx, terms.URL, price.String())
	if err != nil {
		return nil, err
	}
	protocols.Drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The origin would not honour the asserted price.
		return nil, nil
	}

	tok := &protocols.LicenseToken{
		Token:      price.String(),
		Protocol:   protocols.Cloudflare,
		Cost:       price,
		Estimated:  terms.PriceEstimated,
		ExpiresAt:  a.now().Add(a.cfg.TokenTTL),
		ContentURL: rawURL,
		Tier:       protocols.TierAI,
	}
	a.tokens.Put(tok)
	return tok, nil
}

// FetchContent presents the committed price. A 402 means the price moved;
// the token is re-minted once before giving up.
func (a *Adapter) FetchContent(ctx context.Context, rawURL string, tok *protocols.LicenseToken) (*protocols.Content, error) {
	if tok == nil {
		return nil, fmt.Errorf("cloudflare: %w", protocols.ErrTokenRequired)
	}
	c, status, err := a.get(ctx, rawURL, tok)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPaymentRequired {
		a.tokens.Invalidate(protocols.Cloudflare, rawURL, tok.Tier)
		fresh, err := a.RequestLicense(ctx, rawURL, tok.Tier)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("cloudflare: %w", protocols.ErrTokenRejected)
		}
		c, status, err = a.get(ctx, rawURL, fresh)
		if err != nil {
			return nil, err
		}
	}
	if c == nil {
		return nil, fmt.Errorf("cloudflare: fetch status %d: %w", status, protocols.ErrTokenRejected)
	}
	return c, nil
}

func (a *Adapter) get(ctx context.Context, rawURL string, tok *protocols.LicenseToken) (*protocols.Content, int, error) {
	resp, err := a.fetch.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(HeaderCrawlerExactPrice, tok.Token)
		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		protocols.Drain(resp)
		return nil, resp.StatusCode, nil
	}
	charged := resp.Header.Get(HeaderCrawlerCharged)
	contentType := resp.Header.Get("Content-Type")
	body, err := protocols.ReadBody(resp, protocols.MaxContentSize)
	if err != nil {
		return nil, 0, err
	}
	c := &protocols.Content{
		URL:         rawURL,
		Protocol:    protocols.Cloudflare,
		Tier:        tok.Tier,
		ContentType: contentType,
		Body:        body,
	}
	if charged != "" {
		if m, err := protocols.ParseCurrencyAmount(charged); err == nil {
			c.Charged = &m
		}
	}
	return c, http.StatusOK, nil
}

func (a *Adapter) doProbe(ctx context.Context, url, maxPrice string) (*http.Response, error) {
	return a.probe.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, err
		}
		if maxPrice != "" {
			req.Header.Set(HeaderCrawlerMaxPrice, maxPrice)
		}
		return req, nil
	})
}
