package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/protocols"
)

func rewrite(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestPolicyStore_Load(t *testing.T) {
	p := writeFile(t, t.TempDir(), "pricing.yaml", "multipliers:\n  AI_TIER: 1.5\n")

	s, err := NewPolicyStore(p, protocols.FixedPolicy{protocols.TierFullAccess: 4}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1.5, s.Multiplier(protocols.TierAI))
	assert.Equal(t, 4.0, s.Multiplier(protocols.TierFullAccess), "missing tier falls back")
	assert.Equal(t, protocols.FixedPolicy{protocols.TierAI: 1.5}, s.Snapshot())
}

func TestPolicyStore_EmptyPath(t *testing.T) {
	s, err := NewPolicyStore("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5.0, s.Multiplier(protocols.TierFullAccess))
}

func TestPolicyStore_RejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	_, err := NewPolicyStore(writeFile(t, dir, "neg.yaml", "multipliers:\n  FULL_ACCESS: -1\n"), nil, nil)
	assert.Error(t, err)

	_, err = NewPolicyStore(writeFile(t, dir, "tier.yaml", "multipliers:\n  PLATINUM: 2\n"), nil, nil)
	assert.Error(t, err)
}

func TestPolicyStore_BadReloadKeepsPrevious(t *testing.T) {
	p := writeFile(t, t.TempDir(), "pricing.yaml", "multipliers:\n  FULL_ACCESS: 3\n")
	s, err := NewPolicyStore(p, nil, nil)
	require.NoError(t, err)

	rewrite(t, p, "multipliers: [", time.Now().Add(time.Minute))
	changed, err := s.ReloadIfChanged()
	assert.True(t, changed)
	assert.Error(t, err)
	assert.Equal(t, 3.0, s.Multiplier(protocols.TierFullAccess))
}

func TestPolicyStore_ReloadIfChanged(t *testing.T) {
	p := writeFile(t, t.TempDir(), "pricing.yaml", "multipliers:\n  FULL_ACCESS: 3\n")
	s, err := NewPolicyStore(p, nil, nil)
	require.NoError(t, err)

	changed, err := s.ReloadIfChanged()
	require.NoError(t, err)
	assert.False(t, changed)

	rewrite(t, p, "multipliers:\n  FULL_ACCESS: 6\n", time.Now().Add(time.Minute))
	changed, err = s.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 6.0, s.Multiplier(protocols.TierFullAccess))
}

func TestPolicyStore_WatchPicksUpEdits(t *testing.T) {
	p := writeFile(t, t.TempDir(), "pricing.yaml", "multipliers:\n  FULL_ACCESS: 3\n")
	s, err := NewPolicyStore(p, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Watch(ctx, 20*time.Millisecond)

	rewrite(t, p, "multipliers:\n  FULL_ACCESS: 8\n", time.Now().Add(time.Minute))

	require.Eventually(t, func() bool {
		return s.Multiplier(protocols.TierFullAccess) == 8
	}, 2*time.Second, 10*time.Millisecond)
}
