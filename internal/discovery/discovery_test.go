package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/protocols"
)

type fakeAdapter struct {
	protocol protocols.Protocol
	terms    *protocols.LicenseTerms
	checkErr error
	tiers    map[protocols.Tier]protocols.Money
	guessed  map[protocols.Tier]bool
	delay    time.Duration

	mu       sync.Mutex
	checks   int
	inFlight int32
	peak     int32
	fetched  []*protocols.LicenseToken
}

func (f *fakeAdapter) Protocol() protocols.Protocol { return f.protocol }

func (f *fakeAdapter) CheckSource(ctx context.Context, url string) (*protocols.LicenseTerms, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.checks++
	f.mu.Unlock()
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.terms == nil {
		return nil, nil
	}
	t := *f.terms
	t.URL = url
	return &t, nil
}

func (f *fakeAdapter) RequestLicense(ctx context.Context, url string, tier protocols.Tier) (*protocols.LicenseToken, error) {
	price, ok := f.tiers[tier]
	if !ok {
		return nil, nil
	}
	return &protocols.LicenseToken{
		Token:      fmt.Sprintf("%s-%s", f.protocol, tier),
		Protocol:   f.protocol,
		Cost:       price,
		Estimated:  f.guessed[tier],
		ContentURL: url,
		Tier:       tier,
		ExpiresAt:  time.Now().Add(time.Minute),
	}, nil
}

func (f *fakeAdapter) FetchContent(ctx context.Context, url string, tok *protocols.LicenseToken) (*protocols.Content, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, tok)
	f.mu.Unlock()
	return &protocols.Content{URL: url, Protocol: f.protocol, Tier: tok.Tier, Body: []byte("body")}, nil
}

func (f *fakeAdapter) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func usd(micros int64) protocols.Money {
	return protocols.Money{Micros: micros, Currency: "USD"}
}

func termsFor(p protocols.Protocol, ai int64) *protocols.LicenseTerms {
	price := usd(ai)
	return &protocols.LicenseTerms{Protocol: p, AITierPrice: &price}
}

func TestDiscover_HigherPriorityWins(t *testing.T) {
	cf := &fakeAdapter{protocol: protocols.Cloudflare, terms: termsFor(protocols.Cloudflare, 50_000)}
	tb := &fakeAdapter{protocol: protocols.Tollbit, terms: termsFor(protocols.Tollbit, 10_000)}
	rsl := &fakeAdapter{protocol: protocols.RSL, terms: termsFor(protocols.RSL, 1_000)}
	svc := NewService(protocols.Chain{Cloudflare: cf, Tollbit: tb, RSL: rsl}, Config{}, nil, nil)

	terms, err := svc.Discover(context.Background(), "https://premium.example/a")
	require.NoError(t, err)
	require.NotNil(t, terms)
	assert.Equal(t, protocols.Cloudflare, terms.Protocol)
	assert.Equal(t, int64(50_000), terms.AITierPrice.Micros)
	assert.Equal(t, 0, tb.checkCount(), "lower priority adapters are not consulted after a match")
	assert.Equal(t, 0, rsl.checkCount())
}

func TestDiscover_AdapterErrorFallsThrough(t *testing.T) {
	cf := &fakeAdapter{protocol: protocols.Cloudflare, checkErr: fmt.Errorf("%w: timeout", protocols.ErrTransient)}
	tb := &fakeAdapter{protocol: protocols.Tollbit}
	rsl := &fakeAdapter{protocol: protocols.RSL, terms: termsFor(protocols.RSL, 2_000)}
	m := metrics.NewCollector()
	svc := NewService(protocols.Chain{Cloudflare: cf, Tollbit: tb, RSL: rsl}, Config{}, m, nil)

	terms, err := svc.Discover(context.Background(), "https://blog.example/p")
	require.NoError(t, err)
	require.NotNil(t, terms)
	assert.Equal(t, protocols.RSL, terms.Protocol)
}

func TestDiscover_NothingMatches(t *testing.T) {
	svc := NewService(protocols.Chain{
		Cloudflare: &fakeAdapter{protocol: protocols.Cloudflare},
		RSL:        &fakeAdapter{protocol: protocols.RSL},
	}, Config{}, nil, nil)

	terms, err := svc.Discover(context.Background(), "https://free.example/")
	assert.NoError(t, err)
	assert.Nil(t, terms)
}

func TestDiscover_InvalidURL(t *testing.T) {
	svc := NewService(protocols.Chain{}, Config{}, nil, nil)
	_, err := svc.Discover(context.Background(), "ftp://files.example/x")
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))
}

func TestDiscoverMany_BoundedAndOrdered(t *testing.T) {
	tb := &fakeAdapter{protocol: protocols.Tollbit, terms: termsFor(protocols.Tollbit, 1_000), delay: 20 * time.Millisecond}
	svc := NewService(protocols.Chain{Tollbit: tb}, Config{Workers: 3}, nil, nil)

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site%d.example/", i)
	}
	urls[4] = "not a url"

	results, err := svc.DiscoverMany(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, results, len(urls))
	for i, r := range results {
		assert.Equal(t, urls[i], r.URL)
		if i == 4 {
			require.NotNil(t, r.Error)
			assert.Equal(t, apperr.KindInvalidRequest, r.Error.Kind)
			continue
		}
		require.NotNil(t, r.Terms)
		assert.Equal(t, urls[i], r.Terms.URL)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&tb.peak), int32(3))
}

func TestDiscoverMany_RejectsOversizedBatch(t *testing.T) {
	svc := NewService(protocols.Chain{}, Config{}, nil, nil)
	_, err := svc.DiscoverMany(context.Background(), make([]string, MaxBatchSize+1))
	assert.True(t, apperr.Is(err, apperr.KindInvalidRequest))
}

func TestOffers_HidesUnavailableTier(t *testing.T) {
	tb := &fakeAdapter{
		protocol: protocols.Tollbit,
		terms:    termsFor(protocols.Tollbit, 12_000),
		tiers:    map[protocols.Tier]protocols.Money{protocols.TierAI: usd(12_000)},
	}
	svc := NewService(protocols.Chain{Tollbit: tb}, Config{}, nil, nil)

	set, err := svc.Offers(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.NotNil(t, set)
	require.Len(t, set.Offers, 1)
	assert.Equal(t, protocols.TierAI, set.Offers[0].Tier)
	assert.Equal(t, int64(2), set.Offers[0].PriceCents)

	_, err = svc.Acquire(context.Background(), "https://news.example/a", protocols.TierFullAccess)
	assert.True(t, apperr.Is(err, apperr.KindTierUnavailable))
}

func TestOffers_EstimatedIsPerTier(t *testing.T) {
	terms := termsFor(protocols.Tollbit, 12_000)
	terms.PriceEstimated = true
	tb := &fakeAdapter{
		protocol: protocols.Tollbit,
		terms:    terms,
		tiers: map[protocols.Tier]protocols.Money{
			protocols.TierAI:         usd(12_000),
			protocols.TierFullAccess: usd(60_000),
		},
		guessed: map[protocols.Tier]bool{protocols.TierFullAccess: true},
	}
	svc := NewService(protocols.Chain{Tollbit: tb}, Config{}, nil, nil)

	set, err := svc.Offers(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Len(t, set.Offers, 2)

	byTier := map[protocols.Tier]Offer{}
	for _, o := range set.Offers {
		byTier[o.Tier] = o
	}
	assert.False(t, byTier[protocols.TierAI].Estimated, "quoted price must not be marked estimated")
	assert.True(t, byTier[protocols.TierFullAccess].Estimated)
}

func TestOffers_NotSupported(t *testing.T) {
	svc := NewService(protocols.Chain{RSL: &fakeAdapter{protocol: protocols.RSL}}, Config{}, nil, nil)
	set, err := svc.Offers(context.Background(), "https://plain.example/")
	assert.NoError(t, err)
	assert.Nil(t, set)
}

func TestFetch(t *testing.T) {
	rsl := &fakeAdapter{
		protocol: protocols.RSL,
		terms:    termsFor(protocols.RSL, 0),
		tiers:    map[protocols.Tier]protocols.Money{protocols.TierAI: usd(0)},
	}
	svc := NewService(protocols.Chain{RSL: rsl}, Config{}, nil, nil)

	c, err := svc.Fetch(context.Background(), "https://open.example/doc", protocols.TierAI)
	require.NoError(t, err)
	assert.Equal(t, "body", string(c.Body))
	require.Len(t, rsl.fetched, 1)
	assert.Equal(t, "RSL-AI_TIER", rsl.fetched[0].Token)

	_, err = svc.Fetch(context.Background(), "https://open.example/doc", protocols.TierFullAccess)
	assert.True(t, apperr.Is(err, apperr.KindTierUnavailable))
}

func TestAcquire_NotSupported(t *testing.T) {
	svc := NewService(protocols.Chain{Cloudflare: &fakeAdapter{protocol: protocols.Cloudflare}}, Config{}, nil, nil)
	_, err := svc.Acquire(context.Background(), "https://plain.example/", protocols.TierAI)
	assert.True(t, apperr.Is(err, apperr.KindNotSupported))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(classify(fmt.Errorf("x: %w", protocols.ErrTransient), "m")))
	assert.Equal(t, apperr.KindTransientNetwork, apperr.KindOf(classify(context.DeadlineExceeded, "m")))
	assert.Equal(t, apperr.KindPaymentRejected, apperr.KindOf(classify(protocols.ErrTokenRejected, "m")))
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(classify(errors.New("boom"), "m")))
}
