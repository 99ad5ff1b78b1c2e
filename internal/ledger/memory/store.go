// Package memory is a process-local ledger.Store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/licensegate/internal/ledger"
)

type purchaseKey struct {
	user, fingerprint string
}

type Store struct {
	mu            sync.RWMutex
	registrations map[string]ledger.ContentRegistration
	byContentID   map[string]string
	purchases     map[purchaseKey]ledger.PurchaseRecord
	idempotency   map[string]ledger.IdempotencyEntry
}

func New() *Store {
	return &Store{
		registrations: make(map[string]ledger.ContentRegistration),
		byContentID:   make(map[string]string),
		purchases:     make(map[purchaseKey]ledger.PurchaseRecord),
		idempotency:   make(map[string]ledger.IdempotencyEntry),
	}
}

func (s *Store) GetRegistration(_ context.Context, fingerprint string) (*ledger.ContentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[fingerprint]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &reg, nil
}

func (s *Store) GetRegistrationByContentID(_ context.Context, contentID string) (*ledger.ContentRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.byContentID[contentID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	reg := s.registrations[fp]
	return &reg, nil
}

func (s *Store) InsertRegistration(_ context.Context, reg ledger.ContentRegistration) (*ledger.ContentRegistration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.registrations[reg.Fingerprint]; ok {
		return &existing, false, nil
	}
	s.registrations[reg.Fingerprint] = reg
	s.byContentID[reg.ContentID] = reg.Fingerprint
	return &reg, true, nil
}

func (s *Store) DeleteAbandonedRegistrations(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	referenced := make(map[string]bool)
	for k := range s.purchases {
		referenced[k.fingerprint] = true
	}
	var deleted []string
	for fp, reg := range s.registrations {
		if referenced[fp] || !reg.RegisteredAt.Before(cutoff) {
			continue
		}
		delete(s.registrations, fp)
		delete(s.byContentID, reg.ContentID)
		deleted = append(deleted, fp)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (s *Store) InsertPurchase(_ context.Context, rec ledger.PurchaseRecord) (*ledger.PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := purchaseKey{rec.UserID, rec.Fingerprint}
	if existing, ok := s.purchases[k]; ok {
		return &existing, false, nil
	}
	s.purchases[k] = rec
	return &rec, true, nil
}

func (s *Store) GetPurchase(_ context.Context, userID, fingerprint string) (*ledger.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.purchases[purchaseKey{userID, fingerprint}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) GetPurchaseByContentID(_ context.Context, userID, contentID string) (*ledger.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, rec := range s.purchases {
		if k.user == userID && rec.ContentID == contentID {
			return &rec, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *Store) ListPurchasesByFingerprint(_ context.Context, fingerprint string) ([]ledger.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.PurchaseRecord
	for k, rec := range s.purchases {
		if k.fingerprint == fingerprint {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchasedAt.Equal(out[j].PurchasedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].PurchasedAt.Before(out[j].PurchasedAt)
	})
	return out, nil
}

func (s *Store) ClaimIdempotency(_ context.Context, key, requestHash string, now, staleBefore time.Time) (*ledger.IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.idempotency[key]
	if ok {
		reclaimable := existing.RequestHash == requestHash &&
			(existing.Status == ledger.StatusFailed ||
				(existing.Status == ledger.StatusPending && existing.UpdatedAt.Before(staleBefore)))
		if !reclaimable {
			return &existing, false, nil
		}
	}
	e := ledger.IdempotencyEntry{
		Key:         key,
		RequestHash: requestHash,
		Status:      ledger.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ok {
		e.CreatedAt = existing.CreatedAt
	}
	s.idempotency[key] = e
	return &e, true, nil
}

func (s *Store) GetIdempotency(_ context.Context, key string) (*ledger.IdempotencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.idempotency[key]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &e, nil
}

func (s *Store) ResolveIdempotency(_ context.Context, key string, status ledger.IdempotencyStatus, response []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idempotency[key]
	if !ok {
		return ledger.ErrNotFound
	}
	e.Status = status
	e.Response = append([]byte(nil), response...)
	e.UpdatedAt = now
	s.idempotency[key] = e
	return nil
}

func (s *Store) Close() error {
	return nil
}
