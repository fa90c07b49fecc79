package api

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/quotagate/binder"
	"github.com/dmitrymomot/quotagate/handler"
	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/billing"
)

const maxWebhookBody = 1 << 20

type webhooks struct {
	ingestor *billing.Ingestor
	paddle   *billing.PaddleSource
	metrics  *Metrics
	now      func() time.Time
}

func (h *webhooks) count(provider, outcome string) {
	if h.metrics != nil {
		h.metrics.Webhook(provider, outcome)
	}
}

func outcome(res billing.Result) string {
	switch {
	case !res.OK:
		return "failed"
	case res.Duplicate:
		return "duplicate"
	default:
		return "processed"
	}
}

// revenueCat accepts a RevenueCat delivery. After authentication the
// response is always 200; processing failures are reported in the body.
func (h *webhooks) revenueCat(ctx handler.Context, _ struct{}) handler.Response {
	r := ctx.Request()
	if err := h.ingestor.Authenticate(r.Header.Get("Authorization")); err != nil {
		h.count(billing.ProviderRevenueCat, "unauthorized")
		return handler.Error(err)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		return handler.Error(errors.Join(billing.ErrInvalidPayload, err))
	}
	if len(data) > maxWebhookBody {
		h.count(billing.ProviderRevenueCat, "invalid")
		return handler.Error(fmt.Errorf("%w: body too large", billing.ErrInvalidPayload))
	}
	e, err := billing.Decode(data)
	if err != nil {
		h.count(billing.ProviderRevenueCat, "invalid")
		return handler.Error(err)
	}

	res := h.ingestor.Ingest(ctx, e)
	h.count(billing.ProviderRevenueCat, outcome(res))
	return handler.JSON(res)
}

func (h *webhooks) paddleWebhook(ctx handler.Context, _ struct{}) handler.Response {
	e, err := h.paddle.Parse(ctx.Request())
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		h.count(billing.ProviderPaddle, "unauthorized")
		return handler.Error(err)
	case err != nil:
		h.count(billing.ProviderPaddle, "invalid")
		return handler.Error(err)
	}

	res := h.ingestor.Ingest(ctx, e)
	h.count(billing.ProviderPaddle, outcome(res))
	return handler.JSON(res)
}

func (h *webhooks) health(handler.Context, struct{}) handler.Response {
	return handler.JSON(map[string]any{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *webhooks) routes(r chi.Router, onError handler.ErrorHandler[handler.Context]) {
	withErrors := handler.WithErrorHandler[handler.Context, struct{}](onError)
	r.Post("/billing", handler.Wrap(h.revenueCat, withErrors))
	r.Get("/billing", handler.Wrap(h.health, withErrors))
	if h.paddle != nil {
		r.Post("/paddle", handler.Wrap(h.paddleWebhook, withErrors))
	}
}

type linkRequest struct {
	AppUserID string `json:"app_user_id"`
}

type linkResponse struct {
	OK bool `json:"ok"`
	billing.LinkResult
}

type links struct {
	ingestor *billing.Ingestor
}

// link maps the caller's billing customer id to their account and
// replays deliveries that arrived before the mapping existed.
func (h *links) link(ctx handler.Context, req linkRequest) handler.Response {
	u, ok := account.FromContext(ctx)
	if !ok {
		return handler.Error(account.ErrUnauthenticated)
	}
	if strings.TrimSpace(req.AppUserID) == "" {
		v := handler.NewValidationError()
		v.Add("app_user_id", "required")
		return handler.Error(v)
	}

	res, err := h.ingestor.Link(ctx, req.AppUserID, u)
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(linkResponse{OK: true, LinkResult: res})
}

func (h *links) routes(r chi.Router, onError handler.ErrorHandler[handler.Context]) {
	r.Post("/billing/link", handler.Wrap(h.link,
		handler.WithBinders[handler.Context, linkRequest](binder.BindJSON()),
		handler.WithErrorHandler[handler.Context, linkRequest](onError),
	))
}
