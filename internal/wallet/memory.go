package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Calls counts invocations per Wallet method.
type Calls struct {
	GetBalance      int
	CreatePurchase  int
	RegisterContent int
	VerifyPurchase  int
	Debits          int
}

type ownership struct {
	user, contentID string
}

type memContent struct {
	title    string
	price    int64
	metadata map[string]string
}

// Memory is an in-process Wallet for development and tests.
type Memory struct {
	mu        sync.Mutex
	balances  map[string]int64
	content   map[string]memContent
	owned     map[ownership]string
	byKey     map[string]string
	calls     Calls
	delay     time.Duration
	rejectAll error
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		content:  make(map[string]memContent),
		owned:    make(map[ownership]string),
		byKey:    make(map[string]string),
	}
}

func (m *Memory) SetBalance(userID string, cents int64) {
	m.mu.Lock()
	m.balances[userID] = cents
	m.mu.Unlock()
}

// SetPurchaseDelay makes CreatePurchase sleep before debiting.
func (m *Memory) SetPurchaseDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// RejectPurchases makes every CreatePurchase fail with err until cleared
// with nil.
func (m *Memory) RejectPurchases(err error) {
	m.mu.Lock()
	m.rejectAll = err
	m.mu.Unlock()
}

func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) GetBalance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.GetBalance++
	return m.balances[userID], nil
}

func (m *Memory) CreatePurchase(ctx context.Context, userID, contentID string, priceCents int64, idempotencyKey string) (string, error) {
	m.mu.Lock()
	m.calls.CreatePurchase++
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectAll != nil {
		return "", m.rejectAll
	}
	if priceCents <= 0 {
		return "", ErrInvalidPrice
	}
	if idempotencyKey != "" {
		if tx, ok := m.byKey[idempotencyKey]; ok {
			return tx, nil
		}
	}
	if m.balances[userID] < priceCents {
		return "", fmt.Errorf("%w: balance %d, price %d", ErrInsufficientFunds, m.balances[userID], priceCents)
	}
	m.balances[userID] -= priceCents
	m.calls.Debits++

	tx := "txn_" + uuid.NewString()
	if idempotencyKey != "" {
		m.byKey[idempotencyKey] = tx
	}
	m.owned[ownership{userID, contentID}] = tx
	return tx, nil
}

func (m *Memory) RegisterContent(_ context.Context, title string, priceCents int64, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.RegisterContent++
	if priceCents <= 0 {
		return "", ErrInvalidPrice
	}
	id := "content_" + uuid.NewString()
	m.content[id] = memContent{title: title, price: priceCents, metadata: metadata}
	return id, nil
}

func (m *Memory) VerifyPurchase(_ context.Context, userID, contentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.VerifyPurchase++
	_, ok := m.owned[ownership{userID, contentID}]
	return ok, nil
}

// Registered reports whether contentID was created by RegisterContent.
func (m *Memory) Registered(contentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.content[contentID]
	return ok
}
