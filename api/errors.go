package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/quotagate/handler"
	"github.com/dmitrymomot/quotagate/pkg/tenant"
	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/adgate"
	"github.com/dmitrymomot/quotagate/svc/billing"
	"github.com/dmitrymomot/quotagate/svc/feature"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

func body(code string) map[string]any { return map[string]any{"error": code} }

// Classify maps domain errors to responses. Internal errors carry their
// message only when dev is set.
func Classify(dev bool) handler.Classifier {
	return func(err error) (int, any) {
		var (
			adRequired *adgate.RequiredError
			exceeded   *quota.ExceededError
		)
		switch {
		case errors.As(err, &adRequired):
			return http.StatusForbidden, map[string]any{
				"error":           "watch_ad_required",
				"feature":         adRequired.Feature.WireName(),
				"currentPlan":     adRequired.Plan,
				"bypassToken":     adRequired.BypassToken,
				"bypassExpiresAt": adRequired.ExpiresAt.UTC(),
			}
		case errors.As(err, &exceeded):
			return http.StatusTooManyRequests, map[string]any{
				"error":     "quota_exceeded",
				"feature":   exceeded.Feature.WireName(),
				"used":      exceeded.Used,
				"limit":     exceeded.Limit,
				"remaining": 0,
				"resetDate": exceeded.ResetDate.UTC().Format("2006-01-02T15:04:05Z"),
			}
		case errors.Is(err, account.ErrUnauthenticated), errors.Is(err, billing.ErrUnauthorized):
			return http.StatusUnauthorized, body("unauthorized")
		case errors.Is(err, account.ErrForbidden):
			return http.StatusForbidden, body("forbidden")
		case errors.Is(err, tenant.ErrTenantNotFound):
			return http.StatusNotFound, body("tenant_not_found")
		case errors.Is(err, tenant.ErrInactiveTenant):
			return http.StatusForbidden, body("tenant_inactive")
		case errors.Is(err, tenant.ErrInvalidIdentifier):
			v := handler.NewValidationError()
			v.Add("tenant", "invalid tenant identifier")
			return http.StatusBadRequest, map[string]any{"error": "validation_error", "details": v}
		case errors.Is(err, billing.ErrInvalidPayload):
			return http.StatusBadRequest, body("invalid_payload")
		case errors.Is(err, billing.ErrAlreadyLinked):
			return http.StatusConflict, body("already_linked")
		case errors.Is(err, feature.ErrAnalyzer):
			return internal(http.StatusBadGateway, "analysis_failed", err, dev)
		}

		status, b := handler.Classify(err)
		if status < http.StatusInternalServerError {
			return status, b
		}
		return internal(status, "internal_error", err, dev)
	}
}

func internal(status int, code string, err error, dev bool) (int, any) {
	resp := body(code)
	if dev {
		resp["detail"] = err.Error()
	}
	return status, resp
}

// middlewareErrors adapts the JSON error handler to middleware that
// reports failures as func(w, r, err).
func middlewareErrors(log *slog.Logger, dev bool) func(http.ResponseWriter, *http.Request, error) {
	eh := handler.NewErrorHandler(log, Classify(dev))
	return func(w http.ResponseWriter, r *http.Request, err error) {
		eh(handler.NewContext(w, r), err)
	}
}
