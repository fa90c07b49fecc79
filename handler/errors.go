package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/dmitrymomot/quotagate/binder"
)

var ErrNilResponse = errors.New("handler returned nil response")

// HTTPError is an error with a fixed status and a machine-readable key,
// rendered as {"error": Key}.
type HTTPError struct {
	Code int
	Key  string
}

func (e HTTPError) Error() string { return e.Key }

func NewHTTPError(code int, key string) HTTPError {
	return HTTPError{Code: code, Key: key}
}

var (
	ErrBadRequest          = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrUnauthorized        = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	ErrForbidden           = HTTPError{Code: http.StatusForbidden, Key: "forbidden"}
	ErrNotFound            = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
	ErrMethodNotAllowed    = HTTPError{Code: http.StatusMethodNotAllowed, Key: "method_not_allowed"}
	ErrUnsupportedMedia    = HTTPError{Code: http.StatusUnsupportedMediaType, Key: "unsupported_media_type"}
	ErrTooManyRequests     = HTTPError{Code: http.StatusTooManyRequests, Key: "too_many_requests"}
	ErrInternalServerError = HTTPError{Code: http.StatusInternalServerError, Key: "internal_server_error"}
	ErrServiceUnavailable  = HTTPError{Code: http.StatusServiceUnavailable, Key: "service_unavailable"}
)

// ValidationError collects messages per field.
type ValidationError url.Values

func NewValidationError() ValidationError { return make(ValidationError) }

func (e ValidationError) Add(field, message string) { url.Values(e).Add(field, message) }
func (e ValidationError) Has(field string) bool { return len(e[field]) > 0 }
func (e ValidationError) IsEmpty() bool { return len(e) == 0 }

// Err returns nil when nothing was added, so callers can `return v.Err()`.
func (e ValidationError) Err() error {
	if e.IsEmpty() {
		return nil
	}
	return e
}

func (e ValidationError) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		if msgs := e[field]; len(msgs) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", field, msgs[0]))
		}
	}
	return "validation error: " + strings.Join(parts, ", ")
}

// Classify maps the errors this package and binder know about to a status
// and response body. Anything else is a 500 with a generic body.
func Classify(err error) (int, any) {
	var verr ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, map[string]any{"error": "validation_error", "details": verr}
	}

	var herr HTTPError
	if errors.As(err, &herr) {
		return herr.Code, map[string]any{"error": herr.Key}
	}

	switch {
	case errors.Is(err, binder.ErrMissingContentType), errors.Is(err, binder.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, map[string]any{"error": ErrUnsupportedMedia.Key}
	case errors.Is(err, binder.ErrInvalidJSON), errors.Is(err, binder.ErrBodyTooLarge):
		return http.StatusBadRequest, map[string]any{"error": "invalid_json"}
	}

	return http.StatusInternalServerError, map[string]any{"error": ErrInternalServerError.Key}
}
