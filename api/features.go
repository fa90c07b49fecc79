package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/quotagate/binder"
	"github.com/dmitrymomot/quotagate/handler"
	"github.com/dmitrymomot/quotagate/pkg/tenant"
	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/adgate"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/feature"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

const maxFeatureBody = 4 << 20

// CacheHeader is set to "hit" when a result came from the recent-result cache.
const CacheHeader = "X-Result-Cache"

type featureRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type featureResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

type features struct {
	svc *feature.Service
	now func() time.Time
}

// subject builds the quota subject from the resolved tenant and user.
func (h *features) subject(r *http.Request) (quota.Subject, error) {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		return quota.Subject{}, tenant.ErrNoTenantInContext
	}
	u, ok := account.FromContext(r.Context())
	if !ok {
		return quota.Subject{}, account.ErrUnauthenticated
	}
	return quota.Subject{
		TenantID: t.ID,
		UserID:   u.ID,
		Plan:     u.EffectivePlan(h.now()),
		Location: t.Location(),
	}, nil
}

func (h *features) call(ctx handler.Context, req featureRequest) handler.Response {
	r := ctx.Request()
	f, err := entitlement.ParseFeature(chi.URLParam(r, "feature"))
	if err != nil {
		v := handler.NewValidationError()
		v.Add("feature", "unknown feature")
		return handler.Error(v)
	}
	subj, err := h.subject(r)
	if err != nil {
		return handler.Error(err)
	}

	resp, err := h.svc.Call(ctx, feature.Request{
		Subject: subj,
		Feature: f,
		Payload: req.Payload,
		Bypass:  r.Header.Get(adgate.BypassHeader),
	})
	if err != nil {
		return handler.Error(err)
	}

	var opts []handler.JSONOption
	if resp.Cached {
		opts = append(opts, handler.WithHeader(CacheHeader, "hit"))
	}
	return handler.JSON(featureResponse{OK: true, Result: resp.Result}, opts...)
}

// usage renders the monthly quota view, keyed by "<feature>_analyses".
func (h *features) usage(ctx handler.Context, _ struct{}) handler.Response {
	subj, err := h.subject(ctx.Request())
	if err != nil {
		return handler.Error(err)
	}
	u, err := h.svc.Usage(ctx, subj)
	if err != nil {
		return handler.Error(err)
	}

	out := map[string]any{
		"month":     u.Period.Key,
		"plan":      subj.Plan,
		"resetDate": u.Period.ResetDate().Format(time.RFC3339),
	}
	limits := make(map[string]entitlement.Limit, len(u.Limits))
	for _, f := range entitlement.Features {
		out[f.QuotaKey()] = u.Used[f]
		if l, ok := u.Limits[f]; ok {
			limits[f.QuotaKey()] = l
		}
	}
	out["limits"] = limits
	return handler.JSON(out)
}

func (h *features) routes(r chi.Router, onError handler.ErrorHandler[handler.Context]) {
	r.Post("/features/{feature}", handler.Wrap(h.call,
		handler.WithBinders[handler.Context, featureRequest](
			binder.BindJSON(binder.WithMaxBodySize(maxFeatureBody), binder.OptionalBody()),
		),
		handler.WithErrorHandler[handler.Context, featureRequest](onError),
	))
	r.Get("/quota", handler.Wrap(h.usage,
		handler.WithErrorHandler[handler.Context, struct{}](onError),
	))
}
