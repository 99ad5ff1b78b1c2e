// Package discovery resolves which licensing protocol covers a URL and what
// it would cost, using the protocol adapters in fixed priority order.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/protocols"
)

const (
	DefaultWorkers = 5
	MaxBatchSize   = 100
)

type Config struct {
	Workers int `yaml:"workers"`
}

// Result is one entry of a bulk discovery, in input order.
type Result struct {
	URL   string                  `json:"url"`
	Terms *protocols.LicenseTerms `json:"terms,omitempty"`
	Error *apperr.Error           `json:"error,omitempty"`
}

// Offer is a tier whose license was actually minted.
type Offer struct {
	Tier       protocols.Tier  `json:"tier"`
	Price      protocols.Money `json:"price"`
	PriceCents int64           `json:"price_cents"`
	Estimated  bool            `json:"estimated"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
}

type OfferSet struct {
	URL      string                  `json:"url"`
	Protocol protocols.Protocol      `json:"protocol"`
	Terms    *protocols.LicenseTerms `json:"terms"`
	Offers   []Offer                 `json:"offers"`
}

type Service struct {
	chain   protocols.Chain
	workers int
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewService(chain protocols.Chain, cfg Config, m *metrics.Collector, logger *slog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		chain:   chain,
		workers: cfg.Workers,
		metrics: m,
		logger:  logger.With("component", "discovery"),
	}
}

// Discover returns the terms of the highest-priority protocol that covers
// url, or nil when none does. Adapter failures count as not detected so the
// next protocol is still tried.
func (s *Service) Discover(ctx context.Context, url string) (*protocols.LicenseTerms, error) {
	if _, err := protocols.NormalizeURL(url); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "invalid url", err)
	}
	for _, a := range s.chain.Ordered() {
		terms, err := s.check(ctx, a, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindTransientNetwork, "discovery cancelled", ctx.Err())
			}
			s.logger.WarnContext(ctx, "adapter check failed",
				"operation", "discover", "protocol", a.Protocol(), "url", protocols.RedactURL(url), "error", err)
			continue
		}
		if terms != nil {
			return terms, nil
		}
	}
	return nil, nil
}

func (s *Service) check(ctx context.Context, a protocols.Adapter, url string) (*protocols.LicenseTerms, error) {
	start := time.Now()
	terms, err := a.CheckSource(ctx, url)
	outcome := "not_detected"
	switch {
	case err != nil:
		outcome = "error"
	case terms != nil:
		outcome = "detected"
	}
	s.metrics.ObserveDiscovery(string(a.Protocol()), outcome, time.Since(start))
	return terms, err
}

// DiscoverMany runs Discover over urls with at most Workers in flight.
// Per-URL failures are reported in the Result, not as an error.
func (s *Service) DiscoverMany(ctx context.Context, urls []string) ([]Result, error) {
	if len(urls) > MaxBatchSize {
		return nil, apperr.New(apperr.KindInvalidRequest, "too many urls in one batch")
	}
	results := make([]Result, len(urls))
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i, u := range urls {
		g.Go(func() error {
			results[i].URL = u
			terms, err := s.Discover(ctx, u)
			if err != nil {
				results[i].Error = apperr.From(err)
				return nil
			}
			results[i].Terms = terms
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientNetwork, "discovery cancelled", err)
	}
	return results, nil
}

// Offers discovers url and mints every tier concurrently. Only tiers with a
// successfully minted license are offered, so a purchase can never be made
// for access the publisher does not sell. Returns nil when no protocol
// applies.
func (s *Service) Offers(ctx context.Context, url string) (*OfferSet, error) {
	terms, err := s.Discover(ctx, url)
	if err != nil || terms == nil {
		return nil, err
	}
	a, ok := s.chain.For(terms.Protocol)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "no adapter for detected protocol")
	}

	var mu sync.Mutex
	minted := make(map[protocols.Tier]*protocols.LicenseToken)
	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range protocols.Tiers {
		g.Go(func() error {
			tok, err := s.request(gctx, a, url, tier)
			if err != nil {
				s.logger.WarnContext(ctx, "tier mint failed",
					"operation", "offers", "protocol", terms.Protocol, "tier", tier, "error", err)
				return nil
			}
			if tok != nil {
				mu.Lock()
				minted[tier] = tok
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	set := &OfferSet{URL: url, Protocol: terms.Protocol, Terms: terms, Offers: []Offer{}}
	for _, tier := range protocols.Tiers {
		tok, ok := minted[tier]
		if !ok {
			continue
		}
		set.Offers = append(set.Offers, Offer{
			Tier:       tier,
			Price:      tok.Cost,
			PriceCents: tok.Cost.Cents(),
			Estimated:  tok.Estimated,
			ExpiresAt:  tok.ExpiresAt,
		})
	}
	return set, nil
}

func (s *Service) request(ctx context.Context, a protocols.Adapter, url string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	tok, err := a.RequestLicense(ctx, url, tier)
	outcome := "available"
	switch {
	case err != nil:
		outcome = "error"
	case tok == nil:
		outcome = "unavailable"
	}
	s.metrics.TierMint(string(a.Protocol()), string(tier), outcome)
	return tok, err
}

// Acquire returns a license for tier, failing with TIER_UNAVAILABLE when the
// publisher does not sell it.
func (s *Service) Acquire(ctx context.Context, url string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	_, tok, err := s.acquire(ctx, url, tier)
	return tok, err
}

func (s *Service) acquire(ctx context.Context, url string, tier protocols.Tier) (protocols.Adapter, *protocols.LicenseToken, error) {
	terms, err := s.Discover(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if terms == nil {
		return nil, nil, apperr.New(apperr.KindNotSupported, "no licensing protocol detected for url")
	}
	a, ok := s.chain.For(terms.Protocol)
	if !ok {
		return nil, nil, apperr.New(apperr.KindInternal, "no adapter for detected protocol")
	}
	tok, err := s.request(ctx, a, url, tier)
	if err != nil {
		return nil, nil, classify(err, "license request failed")
	}
	if tok == nil {
		return nil, nil, apperr.New(apperr.KindTierUnavailable, "publisher does not offer this license tier")
	}
	return a, tok, nil
}

// Fetch acquires a license for tier and retrieves the content with it.
func (s *Service) Fetch(ctx context.Context, url string, tier protocols.Tier) (*protocols.Content, error) {
	a, tok, err := s.acquire(ctx, url, tier)
	if err != nil {
		return nil, err
	}
	c, err := a.FetchContent(ctx, url, tok)
	if err != nil {
		return nil, classify(err, "content fetch failed")
	}
	return c, nil
}

func classify(err error, msg string) error {
	switch {
	case errors.Is(err, protocols.ErrInvalidURL):
		return apperr.Wrap(apperr.KindInvalidRequest, "invalid url", err)
	case errors.Is(err, protocols.ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindTransientNetwork, msg, err)
	case errors.Is(err, protocols.ErrTokenRejected):
		return apperr.Wrap(apperr.KindPaymentRejected, "publisher rejected the license token", err)
	default:
		return apperr.Wrap(apperr.KindInternal, msg, err)
	}
}
