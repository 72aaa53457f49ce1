// Package auth verifies bearer tokens and carries the caller identity
// through request contexts. Tokens are issued elsewhere; the proxy only
// checks HS256 signatures against a shared secret.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityKey contextKey = "identity"

var (
	// ErrInvalidToken covers malformed, expired and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMalformedHeader means the Authorization header is not a bearer token.
	ErrMalformedHeader = errors.New("invalid authorization header format")
)

// Identity is the authenticated caller. The zero value is anonymous.
type Identity struct {
	UserID  string
	IsStaff bool
}

// Anonymous reports whether no user is authenticated.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// UserID accepts the user_id claim as a JSON string or integer.
type UserID string

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}

	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("user_id must be a string or an integer, got %s", b)
	}
	*u = UserID(strconv.FormatInt(n, 10))
	return nil
}

// Claims is the token payload.
type Claims struct {
	UserID  UserID `json:"user_id"`
	IsStaff bool   `json:"is_staff"`
	jwt.RegisteredClaims
}

// Config holds verifier settings.
type Config struct {
	// SecretKey is the shared HS256 secret.
	SecretKey string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Verifier validates bearer tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier. Tokens must carry an expiry.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("auth secret key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Verifier{
		secret: []byte(cfg.SecretKey),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify parses a raw token into an identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}

	return Identity{UserID: string(claims.UserID), IsStaff: claims.IsStaff}, nil
}

// FromRequest authenticates r. A request without an Authorization header is
// anonymous and not an error.
func (v *Verifier) FromRequest(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, nil
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return Identity{}, ErrMalformedHeader
	}

	return v.Verify(strings.TrimSpace(token))
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the caller identity, anonymous when none was set.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{}
}
