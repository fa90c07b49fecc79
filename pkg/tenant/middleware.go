package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Middleware resolves the tenant of every request and stores it in the
// request context. Requests without an identifier fail with
// ErrTenantNotFound unless WithOptional is set.
func Middleware(resolver Resolver, provider Provider, opts ...Option) func(http.Handler) http.Handler {
	o := &options{
		cacheTTL:      5 * time.Minute,
		errorHandler:  defaultErrorHandler,
		requireActive: true,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = NewMemoryCache(DefaultCacheSize)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range o.skipPaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			identifier, err := resolver.Resolve(r)
			if err != nil {
				o.errorHandler(w, r, err)
				return
			}
			if identifier == "" {
				if o.optional {
					next.ServeHTTP(w, r)
					return
				}
				o.errorHandler(w, r, fmt.Errorf("%w: request carries no tenant identifier", ErrTenantNotFound))
				return
			}

			t, err := o.load(r.Context(), provider, identifier)
			if err != nil {
				if !errors.Is(err, ErrTenantNotFound) {
					o.logger.ErrorContext(r.Context(), "tenant lookup failed",
						slog.String("identifier", identifier), slog.Any("error", err))
				}
				o.errorHandler(w, r, err)
				return
			}
			if o.requireActive && !t.Active {
				o.errorHandler(w, r, ErrInactiveTenant)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), t)))
		})
	}
}

func (o *options) load(ctx context.Context, provider Provider, identifier string) (*Tenant, error) {
	if t, ok := o.cache.Get(ctx, identifier); ok {
		return t, nil
	}
	t, err := provider.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTenantNotFound
	}
	o.cache.Set(ctx, identifier, t, o.cacheTTL)
	return t, nil
}

// RequireTenant rejects requests that reached it without a resolved tenant.
func RequireTenant(errorHandler ErrorHandler) func(http.Handler) http.Handler {
	if errorHandler == nil {
		errorHandler = defaultErrorHandler
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := FromContext(r.Context()); !ok {
				errorHandler(w, r, ErrNoTenantInContext)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
