package billing

import "errors"

var (
	ErrUnauthorized   = errors.New("webhook sender not authorized")
	ErrInvalidPayload = errors.New("invalid webhook payload")
	ErrStore          = errors.New("billing store failure")
	ErrInvalidConfig  = errors.New("invalid billing config")
	ErrEmptySecret    = errors.New("webhook secret is empty")
)

var ErrAlreadyLinked = errors.New("app user id is linked to another user")
