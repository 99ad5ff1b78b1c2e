package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_OrderIndependent(t *testing.T) {
	a := Compute("ai trends", []string{"src_2", "src_1"}, 500)
	b := Compute("ai trends", []string{"src_1", "src_2"}, 500)
	assert.Equal(t, a, b)
	assert.Len(t, a, Length)
}

func TestCompute_MatchesCanonicalContract(t *testing.T) {
	canonical := Canonical("  AI Trends ", []string{"src_2", "src_1"}, 500)
	assert.Equal(t, "ai trends:src_1,src_2:500", canonical)

	sum := sha256.Sum256([]byte("ai trends:src_1,src_2:500"))
	assert.Equal(t, hex.EncodeToString(sum[:])[:Length], Compute("  AI Trends ", []string{"src_2", "src_1"}, 500))
}

func TestCompute_DoesNotMutateInput(t *testing.T) {
	ids := []string{"b", "a"}
	Compute("q", ids, 1)
	assert.Equal(t, []string{"b", "a"}, ids)
}

func TestCompute_Deterministic(t *testing.T) {
	first := Compute("Climate policy", []string{"x", "y", "z"}, 1250)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Compute("climate policy ", []string{"z", "x", "y"}, 1250))
	}
}

func TestCompute_DistinctInputs(t *testing.T) {
	base := Compute("ai trends", []string{"src_1", "src_2"}, 500)

	assert.NotEqual(t, base, Compute("ai trends", []string{"src_1", "src_2"}, 501), "price change")
	assert.NotEqual(t, base, Compute("ai trends", []string{"src_1"}, 500), "source removed")
	assert.NotEqual(t, base, Compute("ai trends", []string{"src_1", "src_2", "src_3"}, 500), "source added")
	assert.NotEqual(t, base, Compute("ai trend", []string{"src_1", "src_2"}, 500), "query change")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]string{"src_1", "https://example.com/a"}, 0))
	assert.ErrorIs(t, Validate([]string{""}, 10), ErrEmptySourceID)
	assert.ErrorIs(t, Validate([]string{"a,b"}, 10), ErrReservedChar)
	assert.ErrorIs(t, Validate([]string{"ok"}, -1), ErrNegativePrice)
}
