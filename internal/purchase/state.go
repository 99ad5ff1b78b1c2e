package purchase

import (
	"fmt"
	"time"

	"github.com/technosupport/licensegate/internal/apperr"
)

type State string

const (
	StateIdle              State = "IDLE"
	StateContentRegistered State = "CONTENT_REGISTERED"
	StateCheckoutEvaluated State = "CHECKOUT_EVALUATED"
	StateAuthRequired      State = "AUTH_REQUIRED"
	StateFundingRequired   State = "FUNDING_REQUIRED"
	StateReady             State = "READY"
	StatePurchasing        State = "PURCHASING"
	StateComplete          State = "COMPLETE"
	StateFailed            State = "FAILED"
)

// Free content goes IDLE → COMPLETE; an already purchased item goes
// CHECKOUT_EVALUATED → COMPLETE. FAILED is reachable from every
// non-terminal state and is added by allowed.
var transitions = map[State][]State{
	StateIdle:              {StateContentRegistered, StateComplete},
	StateContentRegistered: {StateCheckoutEvaluated},
	StateCheckoutEvaluated: {StateAuthRequired, StateFundingRequired, StateReady, StateComplete},
	StateReady:             {StatePurchasing},
	StatePurchasing:        {StateComplete},
	StateAuthRequired:      {},
	StateFundingRequired:   {},
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Machine tracks one checkout. It is not safe for concurrent use; each
// request owns its own Machine.
type Machine struct {
	state   State
	history []Transition
	now     func() time.Time
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{state: StateIdle, now: now}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) History() []Transition {
	return append([]Transition(nil), m.history...)
}

// To moves to next. An illegal transition is a programming error and is
// reported as INTERNAL.
func (m *Machine) To(next State, reason string) error {
	if !allowed(m.state, next) {
		return apperr.New(apperr.KindInternal, fmt.Sprintf("illegal transition %s -> %s", m.state, next))
	}
	m.history = append(m.history, Transition{From: m.state, To: next, At: m.now().UTC(), Reason: reason})
	m.state = next
	return nil
}

// Fail moves to FAILED unless the machine already finished.
func (m *Machine) Fail(reason string) {
	if m.state.Terminal() {
		return
	}
	_ = m.To(StateFailed, reason)
}
