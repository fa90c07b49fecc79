// Package api is the HTTP surface: gated feature calls, quota inspection,
// billing webhooks and the operational endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dmitrymomot/quotagate/handler"
	"github.com/dmitrymomot/quotagate/pkg/httpserver"
	"github.com/dmitrymomot/quotagate/pkg/tenant"
	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/billing"
	"github.com/dmitrymomot/quotagate/svc/feature"
)

const readinessTimeout = 3 * time.Second

// Deps are the services the router serves. Paddle, WebhookLimiter, Metrics
// and Ready are optional.
type Deps struct {
	Log *slog.Logger
	// Dev adds internal error details to 500 responses.
	Dev bool

	TenantResolver tenant.Resolver
	Tenants        tenant.Provider
	TenantOptions  []tenant.Option
	Auth           *account.Authenticator

	Features *feature.Service
	Ingestor *billing.Ingestor
	Paddle   *billing.PaddleSource

	WebhookLimiter *rate.Limiter
	Metrics        *Metrics
	Ready          map[string]httpserver.Check

	Now func() time.Time
}

func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = slog.New(slog.DiscardHandler)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	onError := handler.NewErrorHandler(d.Log, Classify(d.Dev))
	writeErr := middlewareErrors(d.Log, d.Dev)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, instrument(d.Log, d.Metrics), middleware.Recoverer)

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(d.Log, readinessTimeout, d.Ready))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	wh := &webhooks{ingestor: d.Ingestor, paddle: d.Paddle, metrics: d.Metrics, now: d.Now}
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(rateLimit(d.WebhookLimiter))
		wh.routes(r, onError)
	})

	tenantOpts := append([]tenant.Option{
		tenant.WithErrorHandler(writeErr),
		tenant.WithLogger(d.Log),
	}, d.TenantOptions...)

	r.Route("/v1", func(r chi.Router) {
		r.Use(tenant.Middleware(d.TenantResolver, d.Tenants, tenantOpts...))
		r.Use(d.Auth.Middleware(account.ErrorHandler(writeErr)))

		(&features{svc: d.Features, now: d.Now}).routes(r, onError)
		(&links{ingestor: d.Ingestor}).routes(r, onError)
	})

	return r
}
