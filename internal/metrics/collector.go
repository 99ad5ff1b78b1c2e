package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "licensegate"

// Collector owns its registry so tests and multiple servers in one process
// do not collide on the default registerer. All methods are safe on a nil
// receiver.
type Collector struct {
	registry *prometheus.Registry

	discoveryTotal   *prometheus.CounterVec
	discoveryLatency *prometheus.HistogramVec
	tierMints        *prometheus.CounterVec

	registrations          *prometheus.CounterVec
	duplicateRegistrations prometheus.Counter
	purchases              *prometheus.CounterVec
	idempotencyReplays     prometheus.Counter
	walletErrors           *prometheus.CounterVec
	janitorDeleted         prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{registry: reg}

	c.discoveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovery_checks_total",
		Help:      "Adapter CheckSource calls by protocol and outcome (detected, not_detected, error)",
	}, []string{"protocol", "outcome"})
	reg.MustRegister(c.discoveryTotal)

	c.discoveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "discovery_check_duration_seconds",
		Help:      "Adapter CheckSource latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"protocol"})
	reg.MustRegister(c.discoveryLatency)

	c.tierMints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_mints_total",
		Help:      "License requests by protocol, tier and outcome (available, unavailable, error)",
	}, []string{"protocol", "tier", "outcome"})
	reg.MustRegister(c.tierMints)

	c.registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Content id resolutions by path (cache, store, history, created, free)",
	}, []string{"path"})
	reg.MustRegister(c.registrations)

	c.duplicateRegistrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_registrations_total",
		Help:      "Fingerprints observed with more than one content id",
	})
	reg.MustRegister(c.duplicateRegistrations)

	c.purchases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchases_total",
		Help:      "Purchase attempts by outcome",
	}, []string{"outcome"})
	reg.MustRegister(c.purchases)

	c.idempotencyReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "idempotency_replays_total",
		Help:      "Purchases answered from a stored idempotency result",
	})
	reg.MustRegister(c.idempotencyReplays)

	c.walletErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallet_errors_total",
		Help:      "Failed wallet calls by operation",
	}, []string{"operation"})
	reg.MustRegister(c.walletErrors)

	c.janitorDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_registrations_deleted_total",
		Help:      "Abandoned registrations removed by the janitor",
	})
	reg.MustRegister(c.janitorDeleted)

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status",
	}, []string{"route", "status"})
	reg.MustRegister(c.httpRequests)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
	reg.MustRegister(c.httpDuration)

	c.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_decisions_total",
		Help:      "Rate limiter decisions by scope and result (allowed, blocked, redis_error)",
	}, []string{"scope", "result"})
	reg.MustRegister(c.rateLimited)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveDiscovery(protocol, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.discoveryTotal.WithLabelValues(protocol, outcome).Inc()
	c.discoveryLatency.WithLabelValues(protocol).Observe(d.Seconds())
}

func (c *Collector) TierMint(protocol, tier, outcome string) {
	if c == nil {
		return
	}
	c.tierMints.WithLabelValues(protocol, tier, outcome).Inc()
}

func (c *Collector) Registration(path string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(path).Inc()
}

func (c *Collector) DuplicateRegistration() {
	if c == nil {
		return
	}
	c.duplicateRegistrations.Inc()
}

func (c *Collector) Purchase(outcome string) {
	if c == nil {
		return
	}
	c.purchases.WithLabelValues(outcome).Inc()
}

func (c *Collector) IdempotencyReplay() {
	if c == nil {
		return
	}
	c.idempotencyReplays.Inc()
}

func (c *Collector) WalletError(operation string) {
	if c == nil {
		return
	}
	c.walletErrors.WithLabelValues(operation).Inc()
}

func (c *Collector) JanitorDeleted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.janitorDeleted.Add(float64(n))
}

func (c *Collector) HTTPRequest(route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) RateLimit(scope, result string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(scope, result).Inc()
}
