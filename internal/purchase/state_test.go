package purchase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/licensegate/internal/apperr"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{StateContentRegistered, StateCheckoutEvaluated, StateReady, StatePurchasing, StateComplete} {
		require.NoError(t, m.To(s, ""))
	}
	assert.Equal(t, StateComplete, m.State())
	h := m.History()
	require.Len(t, h, 5)
	assert.Equal(t, StateIdle, h[0].From)
	assert.Equal(t, StateComplete, h[4].To)
}

func TestMachine_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		next State
	}{
		{"evaluate before registration", nil, StateCheckoutEvaluated},
		{"purchase before ready", []State{StateContentRegistered, StateCheckoutEvaluated}, StatePurchasing},
		{"leave complete", []State{StateComplete}, StateFailed},
		{"auth required is a resting state", []State{StateContentRegistered, StateCheckoutEvaluated, StateAuthRequired}, StateReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(nil)
			for _, s := range tt.path {
				require.NoError(t, m.To(s, ""))
			}
			err := m.To(tt.next, "")
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindInternal))
		})
	}
}

func TestMachine_FailFromAnyNonTerminal(t *testing.T) {
	for _, s := range []State{StateIdle, StateContentRegistered, StateCheckoutEvaluated, StateReady, StatePurchasing, StateAuthRequired, StateFundingRequired} {
		assert.True(t, allowed(s, StateFailed), s)
	}
	assert.False(t, allowed(StateFailed, StateFailed))

	m := NewMachine(nil)
	require.NoError(t, m.To(StateComplete, "free"))
	m.Fail("late error")
	assert.Equal(t, StateComplete, m.State())
}
