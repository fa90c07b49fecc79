package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dmitrymomot/quotagate/pkg/tenant"
)

// ErrorHandler writes an authentication failure.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Authenticator turns a bearer session into the request's user.
type Authenticator struct {
	sessions *Sessions
	users    Store
}

func NewAuthenticator(sessions *Sessions, users Store) *Authenticator {
	return &Authenticator{sessions: sessions, users: users}
}

// Authenticate verifies the Authorization header against the tenant already
// resolved on ctx and loads the user fresh from the store.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*User, error) {
	raw, ok := bearer(authorization)
	if !ok {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	sess, err := a.sessions.Parse(raw)
	if err != nil {
		return nil, err
	}

	t, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, tenant.ErrNoTenantInContext
	}
	if sess.TenantID != t.ID {
		return nil, fmt.Errorf("%w: session tenant does not match request tenant", ErrForbidden)
	}

	u, err := a.users.UserByID(ctx, t.ID, sess.UserID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return nil, fmt.Errorf("%w: user not found", ErrUnauthenticated)
	case err != nil:
		return nil, err
	}
	if u.TenantID != t.ID {
		return nil, fmt.Errorf("%w: user belongs to another tenant", ErrForbidden)
	}
	return u, nil
}

// Middleware authenticates every request. It must run after the tenant middleware.
func (a *Authenticator) Middleware(onError ErrorHandler) func(http.Handler) http.Handler {
	if onError == nil {
		onError = defaultErrorHandler
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
