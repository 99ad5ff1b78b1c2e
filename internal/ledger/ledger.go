package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/licensegate/internal/lock"
	"github.com/technosupport/licensegate/internal/metrics"
)

const (
	DefaultCacheSize  = 10_000
	DefaultClaimLease = 2 * time.Minute
)

// Resolution paths, also used as metric labels.
const (
	PathCache   = "cache"
	PathStore   = "store"
	PathHistory = "history"
	PathCreated = "created"
)

type Config struct {
	CacheSize  int           `yaml:"cache_size"`
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// Ledger resolves fingerprints to content ids without ever issuing a second
// content id for the same fingerprint, and records purchases and
// idempotency state on top of a Store.
type Ledger struct {
	store   Store
	cache   *lru.Cache[string, string]
	locker  lock.Locker
	lease   time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, locker lock.Locker, cfg Config, m *metrics.Collector, logger *slog.Logger) (*Ledger, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("ledger cache: %w", err)
	}
	return &Ledger{
		store:   store,
		cache:   cache,
		locker:  locker,
		lease:   cfg.ClaimLease,
		metrics: m,
		logger:  logger.With("component", "ledger"),
		now:     time.Now,
	}, nil
}

func (l *Ledger) Store() Store {
	return l.store
}

// Resolve finds the content id for fingerprint: registration cache, then the
// durable registration, then the purchase history. A history hit repairs
// the registration and the cache. Returns ErrNotFound when the fingerprint
// was never registered.
func (l *Ledger) Resolve(ctx context.Context, fingerprint string) (string, string, error) {
	if id, ok := l.cache.Get(fingerprint); ok {
		return id, PathCache, nil
	}

	reg, err := l.store.GetRegistration(ctx, fingerprint)
	if err == nil {
		l.cache.Add(fingerprint, reg.ContentID)
		return reg.ContentID, PathStore, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", "", err
	}

	purchases, err := l.store.ListPurchasesByFingerprint(ctx, fingerprint)
	if err != nil {
		return "", "", err
	}
	if len(purchases) == 0 {
		return "", "", ErrNotFound
	}

	earliest := purchases[0]
	for _, p := range purchases[1:] {
		if p.ContentID != earliest.ContentID {
			l.metrics.DuplicateRegistration()
			l.logger.ErrorContext(ctx, "fingerprint has more than one content id",
				"operation", "resolve", "outcome", "DUPLICATE_REGISTRATION",
				"fingerprint", fingerprint, "kept", earliest.ContentID, "other", p.ContentID)
		}
	}

	stored, _, err := l.store.InsertRegistration(ctx, ContentRegistration{
		Fingerprint:  fingerprint,
		ContentID:    earliest.ContentID,
		PriceCents:   earliest.PriceCents,
		RegisteredAt: earliest.PurchasedAt,
	})
	if err != nil {
		return "", "", fmt.Errorf("repair registration: %w", err)
	}
	l.cache.Add(fingerprint, stored.ContentID)
	l.logger.InfoContext(ctx, "registration recovered from purchase history",
		"operation", "resolve", "fingerprint", fingerprint, "content_id", stored.ContentID)
	return stored.ContentID, PathHistory, nil
}

// EnsureRegistration returns the content id for fingerprint, calling create
// to obtain a new one only when none exists. Creation is serialized per
// fingerprint and the durable insert-or-fetch decides the winner.
func (l *Ledger) EnsureRegistration(ctx context.Context, fingerprint string, priceCents int64, create func(ctx context.Context) (string, error)) (*ContentRegistration, bool, error) {
	if id, path, err := l.Resolve(ctx, fingerprint); err == nil {
		l.metrics.Registration(path)
		return &ContentRegistration{Fingerprint: fingerprint, ContentID: id, PriceCents: priceCents}, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	unlock, err := l.locker.Lock(ctx, "fp:"+fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("lock fingerprint: %w", err)
	}
	defer unlock()

	if id, path, err := l.Resolve(ctx, fingerprint); err == nil {
		l.metrics.Registration(path)
		return &ContentRegistration{Fingerprint: fingerprint, ContentID: id, PriceCents: priceCents}, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	contentID, err := create(ctx)
	if err != nil {
		return nil, false, err
	}

	stored, created, err := l.store.InsertRegistration(ctx, ContentRegistration{
		Fingerprint:  fingerprint,
		ContentID:    contentID,
		PriceCents:   priceCents,
		RegisteredAt: l.now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert registration: %w", err)
	}
	if !created && stored.ContentID != contentID {
		// Lost a race with a holder of a different lock domain; the stored
		// id wins and ours is never used.
		l.logger.WarnContext(ctx, "registration race lost",
			"operation", "ensure_registration", "fingerprint", fingerprint,
			"kept", stored.ContentID, "orphaned", contentID)
	}
	l.cache.Add(fingerprint, stored.ContentID)
	if created {
		l.metrics.Registration(PathCreated)
	} else {
		l.metrics.Registration(PathStore)
	}
	return stored, created, nil
}

// Registration looks up a registration by content id.
func (l *Ledger) Registration(ctx context.Context, contentID string) (*ContentRegistration, error) {
	return l.store.GetRegistrationByContentID(ctx, contentID)
}

// RecordPurchase stores rec once per (user, fingerprint). A repeat returns
// the original record with created=false.
func (l *Ledger) RecordPurchase(ctx context.Context, rec PurchaseRecord) (*PurchaseRecord, bool, error) {
	if rec.UserID == "" || rec.Fingerprint == "" || rec.ContentID == "" {
		return nil, false, fmt.Errorf("%w: user, fingerprint and content id are required", ErrInvalidRecord)
	}
	if rec.TransactionID == "" {
		return nil, false, fmt.Errorf("%w: purchase without transaction id", ErrInvalidRecord)
	}
	if rec.PurchasedAt.IsZero() {
		rec.PurchasedAt = l.now().UTC()
	}
	stored, created, err := l.store.InsertPurchase(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	l.cache.Add(stored.Fingerprint, stored.ContentID)
	return stored, created, nil
}

// PurchaseFor returns the user's purchase of contentID, or ErrNotFound.
func (l *Ledger) PurchaseFor(ctx context.Context, userID, contentID string) (*PurchaseRecord, error) {
	return l.store.GetPurchaseByContentID(ctx, userID, contentID)
}

// PurchaseOf returns the user's purchase of the content behind
// fingerprint, or ErrNotFound.
func (l *Ledger) PurchaseOf(ctx context.Context, userID, fingerprint string) (*PurchaseRecord, error) {
	return l.store.GetPurchase(ctx, userID, fingerprint)
}

// LockPurchase serializes purchases of one fingerprint by one user,
// whatever idempotency keys they carry.
func (l *Ledger) LockPurchase(ctx context.Context, userID, fingerprint string) (func(), error) {
	unlock, err := l.locker.Lock(ctx, "purchase:"+userID+":"+fingerprint)
	if err != nil {
		return nil, fmt.Errorf("lock purchase: %w", err)
	}
	return unlock, nil
}

// Claim takes ownership of an idempotency key for the request identified by
// requestHash. When claimed is false the caller must not perform side
// effects; the returned entry tells it what happened instead.
func (l *Ledger) Claim(ctx context.Context, key, requestHash string) (*IdempotencyEntry, bool, error) {
	now := l.now().UTC()
	return l.store.ClaimIdempotency(ctx, key, requestHash, now, now.Add(-l.lease))
}

func (l *Ledger) Lookup(ctx context.Context, key string) (*IdempotencyEntry, error) {
	return l.store.GetIdempotency(ctx, key)
}

func (l *Ledger) Complete(ctx context.Context, key string, response []byte) error {
	return l.store.ResolveIdempotency(ctx, key, StatusCompleted, response, l.now().UTC())
}

// Fail marks key FAILED so a retry with the same key may claim it again.
func (l *Ledger) Fail(ctx context.Context, key string, response []byte) error {
	return l.store.ResolveIdempotency(ctx, key, StatusFailed, response, l.now().UTC())
}

// Forget drops fingerprint from the registration cache.
func (l *Ledger) Forget(fingerprint string) {
	l.cache.Remove(fingerprint)
}

// Evict empties the registration cache. Lookups fall back to the store and
// purchase history.
func (l *Ledger) Evict() {
	l.cache.Purge()
}
