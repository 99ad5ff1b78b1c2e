// Package rsl implements the open-standard protocol: a namespaced XML
// license document published at well-known locations, with paid access
// granted by an OAuth2 client-credentials exchange against the publisher's
// license server.
package rsl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/technosupport/licensegate/internal/protocols"
)

var (
	DefaultPaths = []string{"/rsl.xml", "/.well-known/rsl.xml"}

	ErrUnauthorized = errors.New("rsl: client credentials rejected")
)

const robotsPath = "/robots.txt"

type Config struct {
	Paths        []string      `yaml:"paths"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	UserAgent    string        `yaml:"user_agent"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	TokenTimeout time.Duration `yaml:"token_timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type Adapter struct {
	cfg       Config
	probe     *protocols.Client
	fetch     *protocols.Client
	tokenHTTP *http.Client
	tokens    *protocols.TokenCache
	logger    *slog.Logger
	now       func() time.Time
}

func NewAdapter(cfg Config, tokens *protocols.TokenCache, logger *slog.Logger) *Adapter {
	if len(cfg.Paths) == 0 {
		cfg.Paths = DefaultPaths
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = protocols.DefaultProbeTimeout * time.Second
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = protocols.DefaultMintTimeout * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = protocols.DefaultFetchTimeout * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if tokens == nil {
		tokens = protocols.NewTokenCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		probe:     protocols.NewClient(protocols.ClientConfig{Timeout: cfg.ProbeTimeout, MaxAttempts: 2, UserAgent: cfg.UserAgent}, nil),
		fetch:     protocols.NewClient(protocols.ClientConfig{Timeout: cfg.FetchTimeout, UserAgent: cfg.UserAgent}, nil),
		tokenHTTP: &http.Client{Timeout: cfg.TokenTimeout},
		tokens:    tokens,
		logger:    logger.With("component", "protocols.rsl"),
		now:       time.Now,
	}
}

func (a *Adapter) Protocol() protocols.Protocol {
	return protocols.RSL
}

// CheckSource tries each well-known path in order, then the robots.txt
// License directive. The first 200 response that parses as a document with
// content covering the URL wins.
func (a *Adapter) CheckSource(ctx context.Context, rawURL string) (*protocols.LicenseTerms, error) {
	target, err := protocols.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	origin := protocols.Origin(target)

	var lastErr error
	for _, p := range a.cfg.Paths {
		terms, err := a.tryDocument(ctx, origin+p, target)
		if err != nil {
			lastErr = err
			continue
		}
		if terms != nil {
			return terms, nil
		}
	}

	docURL, err := a.robotsLicense(ctx, target)
	if err != nil {
		lastErr = err
	}
	if docURL != "" {
		terms, err := a.tryDocument(ctx, docURL, target)
		if err != nil {
			return nil, err
		}
		if terms != nil {
			return terms, nil
		}
	}

	// Only transport failures are reported; missing documents mean the
	// protocol does not apply.
	if lastErr != nil && errors.Is(lastErr, protocols.ErrTransient) {
		return nil, lastErr
	}
	return nil, nil
}

func (a *Adapter) tryDocument(ctx context.Context, docURL string, target *url.URL) (*protocols.LicenseTerms, error) {
	raw, ok, err := a.get(ctx, docURL)
	if err != nil || !ok {
		return nil, err
	}
	doc, err := parseDocument(raw)
	if err != nil {
		a.logger.DebugContext(ctx, "invalid rsl document", "url", protocols.RedactURL(docURL), "error", err)
		return nil, nil
	}
	content, err := doc.match(target)
	if err != nil {
		return nil, nil
	}
	terms, err := content.terms(target)
	if err != nil {
		a.logger.WarnContext(ctx, "rsl document has unparseable amounts", "url", protocols.RedactURL(docURL), "error", err)
		return nil, nil
	}
	return terms, nil
}

func (a *Adapter) robotsLicense(ctx context.Context, target *url.URL) (string, error) {
	raw, ok, err := a.get(ctx, protocols.Origin(target)+robotsPath)
	if err != nil || !ok {
		return "", err
	}
	dir := licenseDirective(raw)
	if dir == "" {
		return "", nil
	}
	ref, err := url.Parse(dir)
	if err != nil {
		return "", nil
	}
	return target.ResolveReference(ref).String(), nil
}

func (a *Adapter) get(ctx context.Context, u string) ([]byte, bool, error) {
	resp, err := a.probe.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode != http.StatusOK {
		protocols.Drain(resp)
		return nil, false, nil
	}
	raw, err := protocols.ReadBody(resp, protocols.MaxDocumentSize)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func licenseType(tier protocols.Tier) string {
	if tier == protocols.TierFullAccess {
		return "purchase"
	}
	return "ai"
}

// RequestLicense exchanges client credentials for a bearer token scoped to
// the content URL. Free and attribution-only terms yield a zero-cost token
// without contacting the license server.
func (a *Adapter) RequestLicense(ctx context.Context, rawURL string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	if tok := a.tokens.Get(protocols.RSL, rawURL, tier); tok != nil {
		return tok, nil
	}
	terms, err := a.CheckSource(ctx, rawURL)
	if err != nil || terms == nil {
		return nil, err
	}
	price := terms.PriceFor(tier)
	if price == nil {
		return nil, nil
	}

	tok := &protocols.LicenseToken{
		Protocol:   protocols.RSL,
		Cost:       *price,
		ContentURL: rawURL,
		Tier:       tier,
		ExpiresAt:  a.now().Add(a.cfg.TokenTTL),
	}
	if price.Micros > 0 {
		if terms.LicenseServerURL == "" {
			a.logger.WarnContext(ctx, "paid rsl terms without license server", "url", protocols.RedactURL(rawURL))
			return nil, nil
		}
		ot, err := a.exchange(ctx, terms.LicenseServerURL, terms.URL, tier)
		if err != nil || ot == nil {
			return nil, err
		}
		tok.Token = ot.AccessToken
		if !ot.Expiry.IsZero() {
			tok.ExpiresAt = ot.Expiry
		}
	}
	a.tokens.Put(tok)
	return tok, nil
}

func (a *Adapter) exchange(ctx context.Context, server, resource string, tier protocols.Tier) (*oauth2.Token, error) {
	cc := clientcredentials.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		TokenURL:     server + "/token",
		EndpointParams: url.Values{
			"resource":     {resource},
			"license_type": {licenseType(tier)},
		},
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.tokenHTTP)
	ot, err := cc.Token(ctx)
	if err == nil {
		return ot, nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case code >= 500:
			return nil, fmt.Errorf("%w: license server status %d", protocols.ErrTransient, code)
		default:
			// invalid_scope and friends: the tier is not sold.
			a.logger.InfoContext(ctx, "license server declined tier",
				"tier", tier, "status", code, "error_code", re.ErrorCode)
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", protocols.ErrTransient, err)
}

// FetchContent presents the token with the License auth scheme. A rejected
// token is replaced once.
func (a *Adapter) FetchContent(ctx context.Context, rawURL string, tok *protocols.LicenseToken) (*protocols.Content, error) {
	if tok == nil {
		return nil, fmt.Errorf("rsl: %w", protocols.ErrTokenRequired)
	}
	c, status, err := a.fetchWith(ctx, rawURL, tok)
	if err != nil {
		return nil, err
	}
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && tok.Token != "" {
		a.tokens.Invalidate(protocols.RSL, rawURL, tok.Tier)
		fresh, err := a.RequestLicense(ctx, rawURL, tok.Tier)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("rsl: %w", protocols.ErrTokenRejected)
		}
		c, status, err = a.fetchWith(ctx, rawURL, fresh)
		if err != nil {
			return nil, err
		}
	}
	if c == nil {
		return nil, fmt.Errorf("rsl: fetch status %d: %w", status, protocols.ErrTokenRejected)
	}
	return c, nil
}

func (a *Adapter) fetchWith(ctx context.Context, rawURL string, tok *protocols.LicenseToken) (*protocols.Content, int, error) {
	resp, err := a.fetch.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if tok.Token != "" {
			req.Header.Set("Authorization", "License "+tok.Token)
		}
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
		Protocol:    protocols.RSL,
		Tier:        tok.Tier,
		ContentType: strings.TrimSpace(contentType),
		Body:        body,
		Charged:     &cost,
	}, http.StatusOK, nil
}
