package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	failures int
	subjects []string
	payloads [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("nats: connection closed")
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{failures: 1}
	p := NewNATSPublisher(conn, "lg", 2, nil)
	p.backoff = time.Millisecond

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), Event{
		Type: TypePurchaseCompleted, ContentID: "c1", UserID: "u1", TransactionID: "tx1", PriceCents: 500, OccurredAt: at,
	})
	require.NoError(t, err)

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "lg.purchase.completed", conn.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "tx1", got.TransactionID)
	assert.True(t, got.OccurredAt.Equal(at))
}

func TestNATSPublisher_GivesUp(t *testing.T) {
	conn := &fakeConn{failures: 10}
	p := NewNATSPublisher(conn, "", 2, nil)
	p.backoff = time.Millisecond

	err := p.Publish(context.Background(), Event{Type: TypePurchaseFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 7, conn.failures)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Event{Type: TypePurchaseFailed, Reason: "declined"}))
	require.Len(t, r.Events(), 1)
	assert.Equal(t, "declined", r.Events()[0].Reason)
}
