package tenant

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ErrorHandler writes the response for a failed resolution.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Config is loaded from the environment by cmd/server.
type Config struct {
	Header       string        `env:"TENANT_HEADER" envDefault:"X-Tenant-ID"`
	DomainSuffix string        `env:"TENANT_DOMAIN_SUFFIX"`
	CacheTTL     time.Duration `env:"TENANT_CACHE_TTL" envDefault:"5m"`
	CacheSize    int           `env:"TENANT_CACHE_SIZE" envDefault:"1000"`
}

// Resolver builds the header-then-subdomain resolver the config describes.
func (c Config) Resolver() Resolver {
	resolvers := []Resolver{NewHeaderResolver(c.Header)}
	if c.DomainSuffix != "" {
		resolvers = append(resolvers, NewSubdomainResolver(c.DomainSuffix))
	}
	return NewCompositeResolver(resolvers...)
}

type options struct {
	cache         Cache
	cacheTTL      time.Duration
	errorHandler  ErrorHandler
	skipPaths     []string
	requireActive bool
	optional      bool
	logger        *slog.Logger
}

// Option configures Middleware.
type Option func(*options)

// WithCache replaces the default in-memory cache. Nil disables caching.
func WithCache(cache Cache) Option {
	return func(o *options) {
		if cache == nil {
			cache = noopCache{}
		}
		o.cache = cache
	}
}

// WithCacheTTL sets how long resolved tenants stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) { o.cacheTTL = ttl }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		if h != nil {
			o.errorHandler = h
		}
	}
}

// WithSkipPaths lists path prefixes served without a tenant.
func WithSkipPaths(paths ...string) Option {
	return func(o *options) { o.skipPaths = append(o.skipPaths, paths...) }
}

// WithRequireActive rejects suspended tenants with ErrInactiveTenant. Enabled by default.
func WithRequireActive(require bool) Option {
	return func(o *options) { o.requireActive = require }
}

// WithOptional lets requests without any identifier pass through untouched.
func WithOptional() Option {
	return func(o *options) { o.optional = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound), errors.Is(err, ErrNoTenantInContext):
		http.Error(w, "Tenant not found", http.StatusNotFound)
	case errors.Is(err, ErrInactiveTenant):
		http.Error(w, "Tenant is inactive", http.StatusForbidden)
	case errors.Is(err, ErrInvalidIdentifier):
		http.Error(w, "Invalid tenant identifier", http.StatusBadRequest)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
