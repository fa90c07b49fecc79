package tenant

import "errors"

var (
	// ErrTenantNotFound is returned when no tenant matches the request.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrInvalidIdentifier is returned when the identifier is malformed.
	ErrInvalidIdentifier = errors.New("invalid tenant identifier")

	// ErrNoTenantInContext is returned when a handler expects a tenant that was never resolved.
	ErrNoTenantInContext = errors.New("no tenant in context")

	// ErrInactiveTenant is returned for suspended tenants.
	ErrInactiveTenant = errors.New("tenant is inactive")
)
