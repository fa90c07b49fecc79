package account

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrUserNotFound    = errors.New("user not found")
	ErrNoUserInContext = errors.New("no user in context")
	ErrEmptySecret     = errors.New("session secret is empty")
	ErrStore           = errors.New("account store failure")
)
