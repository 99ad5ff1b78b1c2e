// Package api exposes discovery and purchasing over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/licensegate/internal/metrics"
	"github.com/technosupport/licensegate/internal/middleware"
)

type Deps struct {
	Discovery Discoverer
	Purchases Purchaser
	Metrics   *metrics.Collector
	Auth      *middleware.JWTAuth
	// RateLimit is nil when Redis is not configured.
	RateLimit   *middleware.RateLimitMiddleware
	CORSOrigins []string
	// Ready reports dependency health for /readyz.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(middleware.CORS(d.CORSOrigins))

	health := &HealthHandler{Ready: d.Ready}
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Readiness)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(d.RequestTimeout))
		if d.Auth != nil {
			r.Use(d.Auth.Optional)
		}

		lic := NewLicensingHandler(d.Discovery)
		r.Group(func(r chi.Router) {
			if d.RateLimit != nil {
				r.Use(d.RateLimit.Handler)
			}
			r.Post("/licensing/discover", lic.Discover)
			r.Post("/licensing/discover/batch", lic.DiscoverBatch)
			r.Get("/licensing/offers", lic.Offers)
		})

		p := NewPurchaseHandler(d.Purchases)
		r.Post("/purchases/register", p.Register)
		r.Post("/checkout/evaluate", p.Evaluate)
		r.Post("/purchases", p.Purchase)
		r.Post("/checkout", p.Checkout)
	})

	return r
}
