// Package policy declares per-endpoint caching behaviour.
//
// A Table is built once at start-up, validated, and read concurrently
// afterwards. There is no mutation path after NewTable returns.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Scope controls whether a cache line is shared by all callers or isolated
// per authenticated user.
type Scope string

const (
	// ScopeGlobal shares one cache line between every caller.
	ScopeGlobal Scope = "global"

	// ScopePerUser namespaces cache lines by user identity.
	ScopePerUser Scope = "per-user"
)

// Endpoint names known to the proxy.
const (
	Trending        = "trending"
	Recommendations = "recommendations"
	Search          = "search"
	Popular         = "popular"
	MovieDetails    = "movie_details"
	UserProfile     = "user_profile"
	Personalized    = "personalized"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// EndpointPolicy is the caching declaration of one logical endpoint.
type EndpointPolicy struct {
	Name      string
	Cacheable bool
	TTL       time.Duration
	// KeyParams are the request parameters that take part in the cache key.
	KeyParams []string
	Scope     Scope
}

// Table is an immutable, validated set of endpoint policies.
type Table struct {
	policies map[string]EndpointPolicy
}

// Defaults returns the built-in policy declarations.
func Defaults() []EndpointPolicy {
	return []EndpointPolicy{
		{Name: Trending, Cacheable: true, TTL: time.Hour, KeyParams: []string{"time_window"}, Scope: ScopeGlobal},
		{Name: Recommendations, Cacheable: true, TTL: time.Hour, KeyParams: []string{"movie_id"}, Scope: ScopeGlobal},
		{Name: Search, Scope: ScopeGlobal},
		{Name: Popular, Scope: ScopeGlobal},
		{Name: MovieDetails, Scope: ScopeGlobal},
		{Name: UserProfile, Cacheable: true, TTL: 15 * time.Minute, Scope: ScopePerUser},
		{Name: Personalized, Cacheable: true, TTL: 15 * time.Minute, Scope: ScopePerUser},
	}
}

// WithTTL returns a copy of policies where the named endpoint uses ttl.
// A zero ttl leaves the declaration untouched.
func WithTTL(policies []EndpointPolicy, name string, ttl time.Duration) []EndpointPolicy {
	out := make([]EndpointPolicy, len(policies))
	copy(out, policies)
	if ttl == 0 {
		return out
	}
	for i := range out {
		if out[i].Name == name {
			out[i].TTL = ttl
		}
	}
	return out
}

// NewTable validates policies and freezes them into a Table.
func NewTable(policies []EndpointPolicy) (*Table, error) {
	if len(policies) == 0 {
		return nil, &InvalidPolicyError{Reason: "policy table is empty"}
	}

	t := &Table{policies: make(map[string]EndpointPolicy, len(policies))}
	for _, p := range policies {
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := t.policies[p.Name]; dup {
			return nil, &InvalidPolicyError{Endpoint: p.Name, Reason: "declared twice"}
		}

		params := make([]string, len(p.KeyParams))
		copy(params, p.KeyParams)
		sort.Strings(params)
		p.KeyParams = params

		t.policies[p.Name] = p
	}

	return t, nil
}

// MustNewTable is NewTable that panics on an invalid declaration.
func MustNewTable(policies []EndpointPolicy) *Table {
	t, err := NewTable(policies)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the policy for an endpoint.
func (t *Table) Lookup(name string) (EndpointPolicy, error) {
	p, ok := t.policies[name]
	if !ok {
		return EndpointPolicy{}, &InvalidPolicyError{Endpoint: name, Reason: "no policy declared"}
	}
	return p, nil
}

// Names returns the declared endpoint names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.policies))
	for name := range t.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(p EndpointPolicy) error {
	if !namePattern.MatchString(p.Name) {
		return &InvalidPolicyError{Endpoint: p.Name, Reason: "name must be a lower-case identifier"}
	}

	switch p.Scope {
	case ScopeGlobal, ScopePerUser:
	default:
		return &InvalidPolicyError{Endpoint: p.Name, Reason: fmt.Sprintf("unknown scope %q", p.Scope)}
	}

	if !p.Cacheable {
		if p.TTL != 0 || len(p.KeyParams) > 0 {
			return &InvalidPolicyError{Endpoint: p.Name, Reason: "non-cacheable endpoint declares ttl or key parameters"}
		}
		return nil
	}

	if p.TTL <= 0 {
		return &InvalidPolicyError{Endpoint: p.Name, Reason: "cacheable endpoint needs a positive ttl"}
	}

	seen := make(map[string]struct{}, len(p.KeyParams))
	for _, param := range p.KeyParams {
		if param == "" || param == "page" {
			return &InvalidPolicyError{Endpoint: p.Name, Reason: fmt.Sprintf("invalid key parameter %q", param)}
		}
		if _, dup := seen[param]; dup {
			return &InvalidPolicyError{Endpoint: p.Name, Reason: fmt.Sprintf("key parameter %q declared twice", param)}
		}
		seen[param] = struct{}{}
	}

	return nil
}

// UserParam is the parameter under which per-user page sources receive the
// caller's identity. It never takes part in cache keys; per-user scoping
// uses the key prefix instead.
const UserParam = "user_id"
