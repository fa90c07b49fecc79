package tenant

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// DefaultHeader carries the tenant slug (or id) on API requests.
const DefaultHeader = "X-Tenant-ID"

const maxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// Resolver extracts a tenant identifier from a request. An empty result
// with a nil error means the request carries no identifier.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) Resolve(r *http.Request) (string, error) { return f(r) }

// ValidateIdentifier accepts DNS-label shaped slugs and UUID strings.
func ValidateIdentifier(id string) error {
	if len(id) > maxIdentifierLength || !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// HeaderResolver reads the identifier from a request header.
type HeaderResolver struct {
	Header string
}

func NewHeaderResolver(header string) *HeaderResolver {
	if header == "" {
		header = DefaultHeader
	}
	return &HeaderResolver{Header: header}
}

func (h *HeaderResolver) Resolve(r *http.Request) (string, error) {
	value := strings.TrimSpace(r.Header.Get(h.Header))
	if value == "" {
		return "", nil
	}
	if err := ValidateIdentifier(value); err != nil {
		return "", err
	}
	return strings.ToLower(value), nil
}

// SubdomainResolver takes the left-most label of the host. With a Suffix
// (".app.example.com") only hosts under that suffix resolve; without one the
// host needs at least three labels. "www" is never a tenant.
type SubdomainResolver struct {
	Suffix string
}

func NewSubdomainResolver(suffix string) *SubdomainResolver {
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return &SubdomainResolver{Suffix: strings.ToLower(suffix)}
}

func (s *SubdomainResolver) Resolve(r *http.Request) (string, error) {
	host := strings.ToLower(r.Host)
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}

	var label string
	if s.Suffix != "" {
		if !strings.HasSuffix(host, s.Suffix) {
			return "", nil
		}
		rest := strings.TrimSuffix(host, s.Suffix)
		parts := strings.Split(rest, ".")
		label = parts[len(parts)-1]
	} else {
		parts := strings.Split(host, ".")
		if len(parts) < 3 {
			return "", nil
		}
		label = parts[0]
	}

	if label == "" || label == "www" {
		return "", nil
	}
	if err := ValidateIdentifier(label); err != nil {
		return "", err
	}
	return label, nil
}

// CompositeResolver returns the first non-empty identifier. Errors from
// earlier resolvers are reported only when no resolver produced a value.
type CompositeResolver struct {
	Resolvers []Resolver
}

func NewCompositeResolver(resolvers ...Resolver) *CompositeResolver {
	return &CompositeResolver{Resolvers: resolvers}
}

func (c *CompositeResolver) Resolve(r *http.Request) (string, error) {
	var errs []error
	for _, res := range c.Resolvers {
		id, err := res.Resolve(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id != "" {
			return id, nil
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", nil
}
