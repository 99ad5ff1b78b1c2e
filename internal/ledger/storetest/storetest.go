// Package storetest holds behaviour every ledger.Store backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/ledger"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("RegistrationInsertOrFetch", func(t *testing.T) { testRegistration(t, newStore(t)) })
	t.Run("ConcurrentRegistration", func(t *testing.T) { testConcurrentRegistration(t, newStore(t)) })
	t.Run("PurchaseInsertOrFetch", func(t *testing.T) { testPurchase(t, newStore(t)) })
	t.Run("PurchaseHistoryOrder", func(t *testing.T) { testHistoryOrder(t, newStore(t)) })
	t.Run("AbandonedRegistrations", func(t *testing.T) { testAbandoned(t, newStore(t)) })
	t.Run("IdempotencyClaim", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("IdempotencyReclaim", func(t *testing.T) { testReclaim(t, newStore(t)) })
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistration(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.GetRegistration(ctx, "fp1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	reg, created, err := s.InsertRegistration(ctx, ledger.ContentRegistration{Fingerprint: "fp1", ContentID: "c1", PriceCents: 500, RegisteredAt: base})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c1", reg.ContentID)

	reg, created, err = s.InsertRegistration(ctx, ledger.ContentRegistration{Fingerprint: "fp1", ContentID: "c2", PriceCents: 500, RegisteredAt: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c1", reg.ContentID, "first registration is permanent")

	got, err := s.GetRegistration(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ContentID)
	assert.Equal(t, int64(500), got.PriceCents)
	assert.True(t, got.RegisteredAt.Equal(base))

	byID, err := s.GetRegistrationByContentID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", byID.Fingerprint)

	_, err = s.GetRegistrationByContentID(ctx, "c2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testConcurrentRegistration(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg, _, err := s.InsertRegistration(ctx, ledger.ContentRegistration{
				Fingerprint: "race", ContentID: "c" + string(rune('a'+i)), PriceCents: 100, RegisteredAt: base,
			})
			if assert.NoError(t, err) {
				ids[i] = reg.ContentID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func testPurchase(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	rec := ledger.PurchaseRecord{Fingerprint: "fp1", ContentID: "c1", UserID: "u1", TransactionID: "tx1", PriceCents: 500, PurchasedAt: base}

	stored, created, err := s.InsertPurchase(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "tx1", stored.TransactionID)

	dup := rec
	dup.TransactionID = "tx2"
	stored, created, err = s.InsertPurchase(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "tx1", stored.TransactionID, "second insert returns the original record")

	got, err := s.GetPurchase(ctx, "u1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", got.TransactionID)

	got, err = s.GetPurchaseByContentID(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "fp1", got.Fingerprint)

	_, err = s.GetPurchaseByContentID(ctx, "u2", "c1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testHistoryOrder(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for i, u := range []string{"late", "early", "middle"} {
		offsets := []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour}
		_, _, err := s.InsertPurchase(ctx, ledger.PurchaseRecord{
			Fingerprint: "shared", ContentID: "c-" + u, UserID: u, TransactionID: "tx-" + u,
			PriceCents: 100, PurchasedAt: base.Add(offsets[i]),
		})
		require.NoError(t, err)
	}
	list, err := s.ListPurchasesByFingerprint(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "early", list[0].UserID)
	assert.Equal(t, "middle", list[1].UserID)
	assert.Equal(t, "late", list[2].UserID)

	list, err = s.ListPurchasesByFingerprint(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testAbandoned(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, r := range []ledger.ContentRegistration{
		{Fingerprint: "old-unpaid", ContentID: "c1", PriceCents: 1, RegisteredAt: base},
		{Fingerprint: "old-paid", ContentID: "c2", PriceCents: 1, RegisteredAt: base},
		{Fingerprint: "new-unpaid", ContentID: "c3", PriceCents: 1, RegisteredAt: base.Add(48 * time.Hour)},
	} {
		_, _, err := s.InsertRegistration(ctx, r)
		require.NoError(t, err)
	}
	_, _, err := s.InsertPurchase(ctx, ledger.PurchaseRecord{Fingerprint: "old-paid", ContentID: "c2", UserID: "u", TransactionID: "tx", PriceCents: 1, PurchasedAt: base})
	require.NoError(t, err)

	deleted, err := s.DeleteAbandonedRegistrations(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old-unpaid"}, deleted)

	_, err = s.GetRegistration(ctx, "old-unpaid")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.GetRegistration(ctx, "old-paid")
	assert.NoError(t, err)
	_, err = s.GetRegistration(ctx, "new-unpaid")
	assert.NoError(t, err)
}

func testClaim(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	stale := base.Add(-time.Minute)

	e, claimed, err := s.ClaimIdempotency(ctx, "k1", "h1", base, stale)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, ledger.StatusPending, e.Status)

	e, claimed, err = s.ClaimIdempotency(ctx, "k1", "h1", base, stale)
	require.NoError(t, err)
	assert.False(t, claimed, "pending claim within its lease is held")
	assert.Equal(t, ledger.StatusPending, e.Status)

	require.NoError(t, s.ResolveIdempotency(ctx, "k1", ledger.StatusCompleted, []byte(`{"ok":true}`), base.Add(time.Second)))

	e, claimed, err = s.ClaimIdempotency(ctx, "k1", "h1", base.Add(time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed, "completed entries are never re-claimed")
	assert.Equal(t, ledger.StatusCompleted, e.Status)
	assert.JSONEq(t, `{"ok":true}`, string(e.Response))

	got, err := s.GetIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.RequestHash)

	_, err = s.GetIdempotency(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, s.ResolveIdempotency(ctx, "missing", ledger.StatusFailed, nil, base), ledger.ErrNotFound)
}

func testReclaim(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, claimed, err := s.ClaimIdempotency(ctx, "failed", "h", base, base.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.ResolveIdempotency(ctx, "failed", ledger.StatusFailed, []byte(`{}`), base))

	_, claimed, err = s.ClaimIdempotency(ctx, "failed", "other-request", base.Add(time.Second), base)
	require.NoError(t, err)
	assert.False(t, claimed, "a different request may not take over the key")

	e, claimed, err := s.ClaimIdempotency(ctx, "failed", "h", base.Add(time.Second), base)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, ledger.StatusPending, e.Status)

	_, claimed, err = s.ClaimIdempotency(ctx, "stuck", "h", base, base.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	_, claimed, err = s.ClaimIdempotency(ctx, "stuck", "h", base.Add(5*time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed, "pending past its lease is taken over")
}
