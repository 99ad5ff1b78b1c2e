// Package events publishes purchase lifecycle events for downstream
// consumers (fulfilment, analytics).
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypePurchaseCompleted = "purchase.completed"
	TypePurchaseFailed    = "purchase.failed"
)

type Event struct {
	Type          string    `json:"type"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	ContentID     string    `json:"content_id"`
	UserID        string    `json:"user_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	PriceCents    int64     `json:"price_cents"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
