package binder

import "errors"

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrInvalidJSON          = errors.New("invalid JSON")
	ErrMissingContentType   = errors.New("missing content type")
	ErrBodyTooLarge         = errors.New("request body too large")

	// ErrBinderNotApplicable tells handler.Wrap to skip this binder.
	ErrBinderNotApplicable = errors.New("binder not applicable")
)
