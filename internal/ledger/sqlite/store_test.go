package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/ledger"
	"github.com/technosupport/licensegate/internal/ledger/storetest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store { return setupTestStore(t) })
}

func TestOpen_ReappliesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, _, err = s.InsertRegistration(context.Background(), ledger.ContentRegistration{
		Fingerprint: "fp1", ContentID: "c1", PriceCents: 100, RegisteredAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 2, versions)

	reg, err := s.GetRegistration(context.Background(), "fp1")
	require.NoError(t, err)
	assert.Equal(t, "c1", reg.ContentID)
}

func TestInsertRegistration_ContentIDReused(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertRegistration(ctx, ledger.ContentRegistration{Fingerprint: "fp1", ContentID: "c1", PriceCents: 100, RegisteredAt: time.Now()})
	require.NoError(t, err)

	_, _, err = s.InsertRegistration(ctx, ledger.ContentRegistration{Fingerprint: "fp2", ContentID: "c1", PriceCents: 100, RegisteredAt: time.Now()})
	assert.ErrorIs(t, err, ledger.ErrInvalidRecord)
}
