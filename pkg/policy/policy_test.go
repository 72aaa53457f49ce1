package policy

import (
	"errors"
	"testing"
	"time"
)

func TestDefaults_AreValid(t *testing.T) {
	table, err := NewTable(Defaults())
	if err != nil {
		t.Fatalf("NewTable(Defaults()) failed: %v", err)
	}

	tests := []struct {
		name      string
		cacheable bool
		ttl       time.Duration
		scope     Scope
		params    []string
	}{
		{Trending, true, time.Hour, ScopeGlobal, []string{"time_window"}},
		{Recommendations, true, time.Hour, ScopeGlobal, []string{"movie_id"}},
		{Search, false, 0, ScopeGlobal, nil},
		{Popular, false, 0, ScopeGlobal, nil},
		{UserProfile, true, 15 * time.Minute, ScopePerUser, nil},
		{Personalized, true, 15 * time.Minute, ScopePerUser, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := table.Lookup(tt.name)
			if err != nil {
				t.Fatalf("Lookup(%q) failed: %v", tt.name, err)
			}
			if p.Cacheable != tt.cacheable {
				t.Errorf("Cacheable = %v, want %v", p.Cacheable, tt.cacheable)
			}
			if p.TTL != tt.ttl {
				t.Errorf("TTL = %v, want %v", p.TTL, tt.ttl)
			}
			if p.Scope != tt.scope {
				t.Errorf("Scope = %v, want %v", p.Scope, tt.scope)
			}
			if len(p.KeyParams) != len(tt.params) {
				t.Fatalf("KeyParams = %v, want %v", p.KeyParams, tt.params)
			}
			for i := range tt.params {
				if p.KeyParams[i] != tt.params[i] {
					t.Errorf("KeyParams[%d] = %q, want %q", i, p.KeyParams[i], tt.params[i])
				}
			}
		})
	}
}

func TestNewTable_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		policies []EndpointPolicy
	}{
		{"empty", nil},
		{"bad name", []EndpointPolicy{{Name: "Bad Name", Scope: ScopeGlobal}}},
		{"unknown scope", []EndpointPolicy{{Name: "x", Scope: "team"}}},
		{"cacheable without ttl", []EndpointPolicy{{Name: "x", Cacheable: true, Scope: ScopeGlobal}}},
		{"uncached with ttl", []EndpointPolicy{{Name: "x", TTL: time.Minute, Scope: ScopeGlobal}}},
		{"uncached with params", []EndpointPolicy{{Name: "x", KeyParams: []string{"q"}, Scope: ScopeGlobal}}},
		{"page as key param", []EndpointPolicy{{Name: "x", Cacheable: true, TTL: time.Minute, KeyParams: []string{"page"}, Scope: ScopeGlobal}}},
		{"duplicate param", []EndpointPolicy{{Name: "x", Cacheable: true, TTL: time.Minute, KeyParams: []string{"a", "a"}, Scope: ScopeGlobal}}},
		{"duplicate endpoint", []EndpointPolicy{{Name: "x", Scope: ScopeGlobal}, {Name: "x", Scope: ScopeGlobal}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.policies)
			var perr *InvalidPolicyError
			if !errors.As(err, &perr) {
				t.Fatalf("expected InvalidPolicyError, got %v", err)
			}
		})
	}
}

func TestTable_LookupUnknown(t *testing.T) {
	table := MustNewTable(Defaults())

	_, err := table.Lookup("box_office")
	var perr *InvalidPolicyError
	if !errors.As(err, &perr) {
		t.Fatalf("expected InvalidPolicyError, got %v", err)
	}
	if perr.Endpoint != "box_office" {
		t.Errorf("Endpoint = %q, want box_office", perr.Endpoint)
	}
}

func TestNewTable_SortsKeyParamsWithoutAliasing(t *testing.T) {
	params := []string{"z", "a"}
	table := MustNewTable([]EndpointPolicy{{Name: "x", Cacheable: true, TTL: time.Minute, KeyParams: params, Scope: ScopeGlobal}})

	p, _ := table.Lookup("x")
	if p.KeyParams[0] != "a" || p.KeyParams[1] != "z" {
		t.Errorf("KeyParams = %v, want [a z]", p.KeyParams)
	}
	if params[0] != "z" {
		t.Error("NewTable mutated the caller's slice")
	}
}

func TestWithTTL(t *testing.T) {
	base := Defaults()
	out := WithTTL(base, Trending, 5*time.Minute)

	table := MustNewTable(out)
	p, _ := table.Lookup(Trending)
	if p.TTL != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", p.TTL)
	}
	if base[0].TTL != time.Hour {
		t.Error("WithTTL mutated the input")
	}

	same := WithTTL(base, Trending, 0)
	if same[0].TTL != time.Hour {
		t.Errorf("zero override changed TTL to %v", same[0].TTL)
	}

	if _, err := NewTable(WithTTL(base, Trending, -time.Second)); err == nil {
		t.Error("negative TTL override should fail validation")
	}
}
