// Package sqlite is a single-file ledger.Store for deployments without
// PostgreSQL. It applies its own embedded migrations on open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/ledger/sqlite/migrations"
)

const FileName = "ledger.db"

type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger database inside dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, FileName)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps insert-or-fetch sequences free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var ups []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	for _, name := range ups {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlitedrv.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type scanner interface{ Scan(dest ...any) error }

const registrationColumns = `fingerprint, content_id, price_cents, registered_at`

func scanRegistration(sc scanner) (*ledger.ContentRegistration, error) {
	var r ledger.ContentRegistration
	var at int64
	err := sc.Scan(&r.Fingerprint, &r.ContentID, &r.PriceCents, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RegisteredAt = fromNanos(at)
	return &r, nil
}

func (s *Store) GetRegistration(ctx context.Context, fingerprint string) (*ledger.ContentRegistration, error) {
	return scanRegistration(s.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM content_registrations WHERE fingerprint = ?`, fingerprint))
}

func (s *Store) GetRegistrationByContentID(ctx context.Context, contentID string) (*ledger.ContentRegistration, error) {
	return scanRegistration(s.db.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM content_registrations WHERE content_id = ?`, contentID))
}

func (s *Store) InsertRegistration(ctx context.Context, reg ledger.ContentRegistration) (*ledger.ContentRegistration, bool, error) {
	stored, err := scanRegistration(s.db.QueryRowContext(ctx, `
		INSERT INTO content_registrations (fingerprint, content_id, price_cents, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
		RETURNING `+registrationColumns,
		reg.Fingerprint, reg.ContentID, reg.PriceCents, nanos(reg.RegisteredAt)))
	switch {
	case err == nil:
		return stored, true, nil
	case isUniqueViolation(err):
		return nil, false, fmt.Errorf("%w: content id %s already registered to another fingerprint", ledger.ErrInvalidRecord, reg.ContentID)
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, false, fmt.Errorf("inserting registration: %w", err)
	}

	stored, err = s.GetRegistration(ctx, reg.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *Store) DeleteAbandonedRegistrations(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM content_registrations
		WHERE registered_at < ?
		  AND fingerprint NOT IN (SELECT fingerprint FROM purchases)
		RETURNING fingerprint`, nanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("deleting abandoned registrations: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

const purchaseColumns = `fingerprint, content_id, user_id, transaction_id, price_cents, purchased_at`

func scanPurchase(sc scanner) (*ledger.PurchaseRecord, error) {
	var p ledger.PurchaseRecord
	var at int64
	err := sc.Scan(&p.Fingerprint, &p.ContentID, &p.UserID, &p.TransactionID, &p.PriceCents, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PurchasedAt = fromNanos(at)
	return &p, nil
}

func (s *Store) InsertPurchase(ctx context.Context, rec ledger.PurchaseRecord) (*ledger.PurchaseRecord, bool, error) {
	stored, err := scanPurchase(s.db.QueryRowContext(ctx, `
		INSERT INTO purchases (fingerprint, content_id, user_id, transaction_id, price_cents, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, fingerprint) DO NOTHING
		RETURNING `+purchaseColumns,
		rec.Fingerprint, rec.ContentID, rec.UserID, rec.TransactionID, rec.PriceCents, nanos(rec.PurchasedAt)))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, false, fmt.Errorf("inserting purchase: %w", err)
	}
	stored, err = s.GetPurchase(ctx, rec.UserID, rec.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *Store) GetPurchase(ctx context.Context, userID, fingerprint string) (*ledger.PurchaseRecord, error) {
	return scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE user_id = ? AND fingerprint = ?`, userID, fingerprint))
}

func (s *Store) GetPurchaseByContentID(ctx context.Context, userID, contentID string) (*ledger.PurchaseRecord, error) {
	return scanPurchase(s.db.QueryRowContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE user_id = ? AND content_id = ?
		ORDER BY purchased_at ASC
		LIMIT 1`, userID, contentID))
}

func (s *Store) ListPurchasesByFingerprint(ctx context.Context, fingerprint string) ([]ledger.PurchaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE fingerprint = ?
		ORDER BY purchased_at ASC, transaction_id ASC`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
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

func scanIdempotency(sc scanner) (*ledger.IdempotencyEntry, error) {
	var e ledger.IdempotencyEntry
	var status string
	var body sql.NullString
	var created, updated int64
	err := sc.Scan(&e.Key, &e.RequestHash, &status, &body, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = ledger.IdempotencyStatus(status)
	if body.Valid {
		e.Response = []byte(body.String)
	}
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func (s *Store) ClaimIdempotency(ctx context.Context, key, requestHash string, now, staleBefore time.Time) (*ledger.IdempotencyEntry, bool, error) {
	e, err := scanIdempotency(s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency (idempotency_key, request_hash, status, response_body, created_at, updated_at)
		VALUES (?, ?, 'PENDING', NULL, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE
		SET status = 'PENDING', response_body = NULL, updated_at = excluded.updated_at
		WHERE idempotency.request_hash = excluded.request_hash
		  AND (idempotency.status = 'FAILED'
		       OR (idempotency.status = 'PENDING' AND idempotency.updated_at < ?))
		RETURNING `+idempotencyColumns,
		key, requestHash, nanos(now), nanos(now), nanos(staleBefore)))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	e, err = s.GetIdempotency(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return e, false, nil
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*ledger.IdempotencyEntry, error) {
	return scanIdempotency(s.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency WHERE idempotency_key = ?`, key))
}

func (s *Store) ResolveIdempotency(ctx context.Context, key string, status ledger.IdempotencyStatus, response []byte, now time.Time) error {
	var body any
	if len(response) > 0 {
		body = string(response)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency
		SET status = ?, response_body = ?, updated_at = ?
		WHERE idempotency_key = ?`, string(status), body, nanos(now), key)
	if err != nil {
		return fmt.Errorf("resolving idempotency key: %w", err)
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
