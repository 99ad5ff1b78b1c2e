package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()
	c.ObserveDiscovery("CLOUDFLARE", "detected", 120*time.Millisecond)
	c.ObserveDiscovery("CLOUDFLARE", "detected", 80*time.Millisecond)
	c.Registration("history")
	c.Purchase("completed")
	c.JanitorDeleted(3)
	c.JanitorDeleted(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.discoveryTotal.WithLabelValues("CLOUDFLARE", "detected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.registrations.WithLabelValues("history")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.purchases.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.janitorDeleted))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveDiscovery("RSL", "error", time.Second)
		c.TierMint("RSL", "AI_TIER", "available")
		c.Purchase("failed")
		c.HTTPRequest("/healthz", 200, time.Millisecond)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.IdempotencyReplay()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "licensegate_idempotency_replays_total 1"))
}
