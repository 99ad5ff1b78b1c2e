package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn       Conn
	prefix     string
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// Connect dials NATS with reconnects enabled for the life of the process.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "component", "events", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "component", "events", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func NewNATSPublisher(conn Conn, prefix string, maxRetries int, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "licensegate"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
		backoff:    100 * time.Millisecond,
		logger:     logger.With("component", "events"),
	}
}

// Subject for an event type, e.g. "licensegate.purchase.completed".
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(e.Type)

	for i := 0; i <= p.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * p.backoff):
			}
		}
		if err = p.conn.Publish(subject, data); err == nil {
			return nil
		}
		p.logger.WarnContext(ctx, "publish attempt failed", "subject", subject, "attempt", i+1, "error", err)
	}
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
