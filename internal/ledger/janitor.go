package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/technosupport/licensegate/internal/metrics"
)

const (
	DefaultJanitorInterval = time.Hour
	DefaultJanitorMaxAge   = 90 * 24 * time.Hour
)

type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Janitor periodically deletes registrations that were never purchased.
// Registrations referenced by any purchase are never removed.
type Janitor struct {
	ledger   *Ledger
	interval time.Duration
	maxAge   time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewJanitor(l *Ledger, cfg JanitorConfig, m *metrics.Collector, logger *slog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultJanitorInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultJanitorMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		ledger:   l,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		metrics:  m,
		logger:   logger.With("component", "ledger.janitor"),
	}
}

// Start sweeps once, then every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		j.sweepAndLog(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweepAndLog(ctx)
			}
		}
	}()
}

func (j *Janitor) sweepAndLog(ctx context.Context) {
	n, err := j.Sweep(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "sweep failed", "operation", "sweep", "outcome", "error", "error", err)
		return
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "abandoned registrations removed", "operation", "sweep", "count", n)
	}
}

func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.ledger.now().UTC().Add(-j.maxAge)
	fps, err := j.ledger.store.DeleteAbandonedRegistrations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, fp := range fps {
		j.ledger.Forget(fp)
	}
	j.metrics.JanitorDeleted(len(fps))
	return len(fps), nil
}
