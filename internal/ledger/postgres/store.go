// Package postgres is the ledger.Store backed by PostgreSQL. The schema
// lives in db/migrations and is applied by cmd/migrator.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/technosupport/licensegate/internal/ledger"
)

const uniqueViolation = "23505"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Store struct {
	DB     DBTX
	closer func() error
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db, closer: db.Close}, nil
}

func New(db DBTX) *Store {
	return &Store{DB: db}
}

func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// SQLDB returns the underlying pool for tools such as the migrator.
func (s *Store) SQLDB() (*sql.DB, error) {
	db, ok := s.DB.(*sql.DB)
	if !ok {
		return nil, errors.New("postgres store is not backed by *sql.DB")
	}
	return db, nil
}

// Ping checks the connection when the store owns a *sql.DB.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.DB.(interface{ PingContext(context.Context) error }); ok {
		return p.PingContext(ctx)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const registrationColumns = `fingerprint, content_id, price_cents, registered_at`

func scanRegistration(row *sql.Row) (*ledger.ContentRegistration, error) {
	var r ledger.ContentRegistration
	err := row.Scan(&r.Fingerprint, &r.ContentID, &r.PriceCents, &r.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRegistration(ctx context.Context, fingerprint string) (*ledger.ContentRegistration, error) {
	query := `SELECT ` + registrationColumns + ` FROM content_registrations WHERE fingerprint = $1`
	return scanRegistration(s.DB.QueryRowContext(ctx, query, fingerprint))
}

func (s *Store) GetRegistrationByContentID(ctx context.Context, contentID string) (*ledger.ContentRegistration, error) {
	query := `SELECT ` + registrationColumns + ` FROM content_registrations WHERE content_id = $1`
	return scanRegistration(s.DB.QueryRowContext(ctx, query, contentID))
}

func (s *Store) InsertRegistration(ctx context.Context, reg ledger.ContentRegistration) (*ledger.ContentRegistration, bool, error) {
	query := `
		INSERT INTO content_registrations (fingerprint, content_id, price_cents, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING ` + registrationColumns

	stored, err := scanRegistration(s.DB.QueryRowContext(ctx, query,
		reg.Fingerprint, reg.ContentID, reg.PriceCents, reg.RegisteredAt.UTC()))
	switch {
	case err == nil:
		return stored, true, nil
	case isUniqueViolation(err):
		return nil, false, fmt.Errorf("%w: content id %s already registered to another fingerprint", ledger.ErrInvalidRecord, reg.ContentID)
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, false, err
	}

	// Conflict on fingerprint: the existing row wins.
	stored, err = s.GetRegistration(ctx, reg.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *Store) DeleteAbandonedRegistrations(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		DELETE FROM content_registrations
		WHERE registered_at < $1
		  AND fingerprint NOT IN (SELECT fingerprint FROM purchases)
		RETURNING fingerprint`

	rows, err := s.DB.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

const purchaseColumns = `fingerprint, content_id, user_id, transaction_id, price_cents, purchased_at`

func scanPurchase(sc interface{ Scan(dest ...any) error }) (*ledger.PurchaseRecord, error) {
	var p ledger.PurchaseRecord
	err := sc.Scan(&p.Fingerprint, &p.ContentID, &p.UserID, &p.TransactionID, &p.PriceCents, &p.PurchasedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) InsertPurchase(ctx context.Context, rec ledger.PurchaseRecord) (*ledger.PurchaseRecord, bool, error) {
	query := `
		INSERT INTO purchases (fingerprint, content_id, user_id, transaction_id, price_cents, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, fingerprint) DO NOTHING
		RETURNING ` + purchaseColumns

	stored, err := scanPurchase(s.DB.QueryRowContext(ctx, query,
		rec.Fingerprint, rec.ContentID, rec.UserID, rec.TransactionID, rec.PriceCents, rec.PurchasedAt.UTC()))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, false, err
	}
	stored, err = s.GetPurchase(ctx, rec.UserID, rec.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *Store) GetPurchase(ctx context.Context, userID, fingerprint string) (*ledger.PurchaseRecord, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE user_id = $1 AND fingerprint = $2`
	return scanPurchase(s.DB.QueryRowContext(ctx, query, userID, fingerprint))
}

func (s *Store) GetPurchaseByContentID(ctx context.Context, userID, contentID string) (*ledger.PurchaseRecord, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE user_id = $1 AND content_id = $2
		ORDER BY purchased_at ASC
		LIMIT 1`
	return scanPurchase(s.DB.QueryRowContext(ctx, query, userID, contentID))
}

func (s *Store) ListPurchasesByFingerprint(ctx context.Context, fingerprint string) ([]ledger.PurchaseRecord, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE fingerprint = $1
		ORDER BY purchased_at ASC, transaction_id ASC`

	rows, err := s.DB.QueryContext(ctx, query, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.PurchaseRecord
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const idempotencyColumns = `idempotency_key, request_hash, status, response_body, created_at, updated_at`

func scanIdempotency(row *sql.Row) (*ledger.IdempotencyEntry, error) {
	var e ledger.IdempotencyEntry
	var status string
	var body []byte
	err := row.Scan(&e.Key, &e.RequestHash, &status, &body, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = ledger.IdempotencyStatus(status)
	e.Response = body
	return &e, nil
}

func (s *Store) ClaimIdempotency(ctx context.Context, key, requestHash string, now, staleBefore time.Time) (*ledger.IdempotencyEntry, bool, error) {
	query := `
		INSERT INTO idempotency (idempotency_key, request_hash, status, response_body, created_at, updated_at)
		VALUES ($1, $2, 'PENDING', NULL, $3, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'PENDING', response_body = NULL, updated_at = EXCLUDED.updated_at
		WHERE idempotency.request_hash = EXCLUDED.request_hash
		  AND (idempotency.status = 'FAILED'
		       OR (idempotency.status = 'PENDING' AND idempotency.updated_at < $4))
		RETURNING ` + idempotencyColumns

	e, err := scanIdempotency(s.DB.QueryRowContext(ctx, query, key, requestHash, now.UTC(), staleBefore.UTC()))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, false, err
	}
	e, err = s.GetIdempotency(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return e, false, nil
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*ledger.IdempotencyEntry, error) {
	query := `SELECT ` + idempotencyColumns + ` FROM idempotency WHERE idempotency_key = $1`
	return scanIdempotency(s.DB.QueryRowContext(ctx, query, key))
}

func (s *Store) ResolveIdempotency(ctx context.Context, key string, status ledger.IdempotencyStatus, response []byte, now time.Time) error {
	query := `
		UPDATE idempotency
		SET status = $2, response_body = $3, updated_at = $4
		WHERE idempotency_key = $1`

	var body any
	if len(response) > 0 {
		body = string(response)
	}
	res, err := s.DB.ExecContext(ctx, query, key, string(status), body, now.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
