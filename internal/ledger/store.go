// Package ledger is the durable record of content registrations, completed
// purchases and idempotency keys.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: record not found")
	// ErrInvalidRecord is returned for records that would break ledger
	// invariants, such as a purchase without a transaction id.
	ErrInvalidRecord = errors.New("ledger: invalid record")
)

// ContentRegistration permanently maps a fingerprint to the content id
// issued by the wallet.
type ContentRegistration struct {
	Fingerprint  string    `json:"fingerprint"`
	ContentID    string    `json:"content_id"`
	PriceCents   int64     `json:"price_cents"`
	RegisteredAt time.Time `json:"registered_at"`
}

// PurchaseRecord is one completed transaction. A user has at most one per
// fingerprint.
type PurchaseRecord struct {
	Fingerprint   string    `json:"fingerprint"`
	ContentID     string    `json:"content_id"`
	UserID        string    `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	PriceCents    int64     `json:"price_cents"`
	PurchasedAt   time.Time `json:"purchased_at"`
}

type IdempotencyStatus string

const (
	StatusPending   IdempotencyStatus = "PENDING"
	StatusCompleted IdempotencyStatus = "COMPLETED"
	StatusFailed    IdempotencyStatus = "FAILED"
)

type IdempotencyEntry struct {
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Status      IdempotencyStatus `json:"status"`
	Response    []byte            `json:"response,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store is implemented once per storage backend. Inserts are
// insert-or-fetch: when a row with the same identity exists, the stored row
// is returned with created=false and nothing is overwritten.
type Store interface {
	GetRegistration(ctx context.Context, fingerprint string) (*ContentRegistration, error)
	GetRegistrationByContentID(ctx context.Context, contentID string) (*ContentRegistration, error)
	InsertRegistration(ctx context.Context, reg ContentRegistration) (stored *ContentRegistration, created bool, err error)
	// DeleteAbandonedRegistrations removes registrations made before cutoff
	// that no purchase references, returning their fingerprints.
	DeleteAbandonedRegistrations(ctx context.Context, cutoff time.Time) ([]string, error)

	InsertPurchase(ctx context.Context, rec PurchaseRecord) (stored *PurchaseRecord, created bool, err error)
	GetPurchase(ctx context.Context, userID, fingerprint string) (*PurchaseRecord, error)
	GetPurchaseByContentID(ctx context.Context, userID, contentID string) (*PurchaseRecord, error)
	// ListPurchasesByFingerprint returns purchases oldest first.
	ListPurchasesByFingerprint(ctx context.Context, fingerprint string) ([]PurchaseRecord, error)

	// ClaimIdempotency atomically creates a PENDING entry for key, or takes
	// over an existing one with the same request hash that is FAILED or
	// PENDING since before staleBefore. Otherwise the existing entry is
	// returned with claimed=false.
	ClaimIdempotency(ctx context.Context, key, requestHash string, now, staleBefore time.Time) (entry *IdempotencyEntry, claimed bool, err error)
	GetIdempotency(ctx context.Context, key string) (*IdempotencyEntry, error)
	ResolveIdempotency(ctx context.Context, key string, status IdempotencyStatus, response []byte, now time.Time) error

	Close() error
}
