package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/movierec-proxy/pkg/policy"
)

func mustPolicy(t *testing.T, name string) policy.EndpointPolicy {
	t.Helper()
	p, err := policy.MustNewTable(policy.Defaults()).Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", name, err)
	}
	return p
}

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		params   map[string]string
		page     int
		userID   string
		expected string
	}{
		{
			name:     "trending",
			endpoint: policy.Trending,
			params:   map[string]string{"time_window": "day"},
			page:     1,
			expected: "trending:day:1",
		},
		{
			name:     "recommendations page 2",
			endpoint: policy.Recommendations,
			params:   map[string]string{"movie_id": "123"},
			page:     2,
			expected: "recommendations:123:2",
		},
		{
			name:     "extra params are ignored",
			endpoint: policy.Trending,
			params:   map[string]string{"time_window": "week", "language": "de"},
			page:     3,
			expected: "trending:week:3",
		},
		{
			name:     "global scope ignores user",
			endpoint: policy.Trending,
			params:   map[string]string{"time_window": "day"},
			page:     1,
			userID:   "42",
			expected: "trending:day:1",
		},
		{
			name:     "per-user scope",
			endpoint: policy.UserProfile,
			page:     1,
			userID:   "42",
			expected: "user:42:user_profile:1",
		},
		{
			name:     "delimiter in value is escaped",
			endpoint: policy.Trending,
			params:   map[string]string{"time_window": "day:1"},
			page:     1,
			expected: "trending:day%3A1:1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildKey(mustPolicy(t, tt.endpoint), tt.params, tt.page, tt.userID)
			if err != nil {
				t.Fatalf("BuildKey failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("BuildKey() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBuildKey_PagesNeverCollide(t *testing.T) {
	p := mustPolicy(t, policy.Recommendations)
	params := map[string]string{"movie_id": "123"}

	seen := make(map[string]int)
	for page := 1; page <= 50; page++ {
		key, err := BuildKey(p, params, page, "")
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if prev, dup := seen[key]; dup {
			t.Fatalf("pages %d and %d share key %q", prev, page, key)
		}
		seen[key] = page
	}
}

func TestBuildKey_StableUnderReordering(t *testing.T) {
	p := policy.MustNewTable([]policy.EndpointPolicy{{
		Name: "discover", Cacheable: true, TTL: time.Minute,
		KeyParams: []string{"year", "genre", "sort"}, Scope: policy.ScopeGlobal,
	}})
	dp, _ := p.Lookup("discover")

	first, err := BuildKey(dp, map[string]string{"year": "1999", "genre": "sci-fi", "sort": "pop"}, 1, "")
	if err != nil {
		t.Fatalf("BuildKey failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		// Map iteration order is randomized; rebuild from fresh maps.
		params := map[string]string{}
		params["sort"] = "pop"
		params["year"] = "1999"
		params["genre"] = "sci-fi"

		key, _ := BuildKey(dp, params, 1, "")
		if key != first {
			t.Fatalf("key changed: %q != %q", key, first)
		}
	}

	if first != "discover:sci-fi:pop:1999:1" {
		t.Errorf("key = %q, want values ordered by parameter name", first)
	}
}

func TestBuildKey_Scopes(t *testing.T) {
	global := mustPolicy(t, policy.Trending)
	params := map[string]string{"time_window": "day"}

	a, _ := BuildKey(global, params, 1, "alice")
	b, _ := BuildKey(global, params, 1, "bob")
	if a != b {
		t.Errorf("global keys differ across users: %q vs %q", a, b)
	}

	perUser := mustPolicy(t, policy.UserProfile)
	a, _ = BuildKey(perUser, nil, 1, "alice")
	b, _ = BuildKey(perUser, nil, 1, "bob")
	if a == b {
		t.Errorf("per-user keys collide: %q", a)
	}
}

func TestBuildKey_Errors(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		params   map[string]string
		page     int
		userID   string
	}{
		{"missing key param", policy.Trending, map[string]string{}, 1, ""},
		{"zero page", policy.Trending, map[string]string{"time_window": "day"}, 0, ""},
		{"per-user without identity", policy.UserProfile, nil, 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildKey(mustPolicy(t, tt.endpoint), tt.params, tt.page, tt.userID)
			var perr *policy.InvalidPolicyError
			if !errors.As(err, &perr) {
				t.Fatalf("expected InvalidPolicyError, got %v", err)
			}
		})
	}
}

func TestUserPrefix(t *testing.T) {
	key, _ := BuildKey(mustPolicy(t, policy.Personalized), nil, 4, "7")
	prefix := UserPrefix("7")
	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		t.Errorf("key %q does not start with %q", key, prefix)
	}
	if UserPrefix("7") == UserPrefix("71")[:len(UserPrefix("7"))] {
		t.Error("prefix of user 7 must not match user 71")
	}
}
