package binder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// DefaultMaxBodySize caps JSON request bodies.
const DefaultMaxBodySize int64 = 1 << 20

type jsonOptions struct {
	maxBody       int64
	allowUnknown  bool
	optionalEmpty bool
}

type JSONOption func(*jsonOptions)

// WithMaxBodySize overrides DefaultMaxBodySize.
func WithMaxBodySize(n int64) JSONOption {
	return func(o *jsonOptions) {
		if n > 0 {
			o.maxBody = n
		}
	}
}

// AllowUnknownFields turns off strict decoding. Webhook envelopes need this
// since providers add fields without notice.
func AllowUnknownFields() JSONOption {
	return func(o *jsonOptions) { o.allowUnknown = true }
}

// OptionalBody makes a request with no body and no Content-Type not
// applicable instead of an error.
func OptionalBody() JSONOption {
	return func(o *jsonOptions) { o.optionalEmpty = true }
}

// BindJSON decodes a single JSON value from the request body into v.
func BindJSON(opts ...JSONOption) func(r *http.Request, v any) error {
	o := jsonOptions{maxBody: DefaultMaxBodySize}
	for _, opt := range opts {
		opt(&o)
	}

	return func(r *http.Request, v any) error {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			if o.optionalEmpty && (r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0) {
				return ErrBinderNotApplicable
			}
			return fmt.Errorf("%w: expected application/json", ErrMissingContentType)
		}
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return fmt.Errorf("%w: got %s, expected application/json", ErrUnsupportedMediaType, contentType)
		}
		if r.Body == nil {
			return fmt.Errorf("%w: empty body", ErrInvalidJSON)
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, o.maxBody+1))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if int64(len(data)) > o.maxBody {
			return fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, o.maxBody)
		}

		dec := json.NewDecoder(bytes.NewReader(data))
		if !o.allowUnknown {
			dec.DisallowUnknownFields()
		}
		if err := dec.Decode(v); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: empty body", ErrInvalidJSON)
			}
			return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		var extra json.RawMessage
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: unexpected data after JSON value", ErrInvalidJSON)
		}
		return nil
	}
}
