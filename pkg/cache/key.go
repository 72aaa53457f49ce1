package cache

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/movierec-proxy/pkg/policy"
)

// KeyDelimiter separates cache key segments.
const KeyDelimiter = ":"

// BuildKey generates a deterministic cache key for one page of an endpoint.
//
// Only the policy's key parameters take part, ordered by parameter name, so
// callers may pass extra or reordered parameters. The page is always a
// segment. Per-user policies get a "user:<id>:" prefix; global ones never do.
//
// Examples:
//
//	trending:day:1
//	recommendations:123:2
//	user:42:user_profile:1
func BuildKey(p policy.EndpointPolicy, params map[string]string, page int, userID string) (string, error) {
	if page < 1 {
		return "", &policy.InvalidPolicyError{Endpoint: p.Name, Reason: "page must be positive, got " + strconv.Itoa(page)}
	}

	parts := make([]string, 0, len(p.KeyParams)+4)
	if p.Scope == policy.ScopePerUser {
		if userID == "" {
			return "", &policy.InvalidPolicyError{Endpoint: p.Name, Reason: "per-user key requires a user identity"}
		}
		parts = append(parts, "user", url.QueryEscape(userID))
	}

	parts = append(parts, p.Name)

	// KeyParams are sorted by policy.NewTable.
	for _, name := range p.KeyParams {
		value, ok := params[name]
		if !ok {
			return "", &policy.InvalidPolicyError{Endpoint: p.Name, Reason: "missing key parameter " + strconv.Quote(name)}
		}
		parts = append(parts, url.QueryEscape(value))
	}

	parts = append(parts, strconv.Itoa(page))

	return strings.Join(parts, KeyDelimiter), nil
}

// UserPrefix is the key prefix shared by every per-user entry of userID.
func UserPrefix(userID string) string {
	return "user" + KeyDelimiter + url.QueryEscape(userID) + KeyDelimiter
}
