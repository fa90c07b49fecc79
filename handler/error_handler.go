package handler

import (
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/quotagate/pkg/logger"
)

// Classifier maps an error to a status and JSON body. Returning status 0
// defers to Classify.
type Classifier func(err error) (status int, body any)

// NewErrorHandler renders errors as JSON. Client errors log at warn,
// server errors at error.
func NewErrorHandler(log *slog.Logger, classify Classifier) ErrorHandler[Context] {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx Context, err error) {
		status, body := 0, any(nil)
		if classify != nil {
			status, body = classify(err)
		}
		if status == 0 {
			status, body = Classify(err)
		}

		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		r := ctx.Request()
		log.LogAttrs(r.Context(), level, "request error",
			logger.Error(err),
			slog.Int("status", status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		if rerr := JSON(body, WithStatus(status)).Render(ctx.ResponseWriter(), r); rerr != nil {
			log.ErrorContext(r.Context(), "failed to render error", logger.Error(rerr))
		}
	}
}
