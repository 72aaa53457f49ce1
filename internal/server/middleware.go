package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/movierec-proxy/internal/auth"
	"github.com/Sternrassler/movierec-proxy/pkg/cache"
	"github.com/Sternrassler/movierec-proxy/pkg/metrics"
	"github.com/Sternrassler/movierec-proxy/pkg/ratelimit"
)

type contextKey string

const (
	RequestIDHeader            = "X-Request-Id"
	RequestIDKey    contextKey = "requestID"
)

// RequestID propagates or assigns a request id.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns the request id stored by RequestID.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}

	return ""
}

// AccessLogger logs every request and records the HTTP metrics under the
// matched route pattern.
func AccessLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newStatusRecorder(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			metrics.ObserveRequest(route, r.Method, wrapped.statusCode, duration)

			event := logger.Info()
			if wrapped.statusCode >= http.StatusInternalServerError {
				event = logger.Error()
			} else if wrapped.statusCode >= http.StatusBadRequest {
				event = logger.Warn()
			}

			event.
				Str("request_id", GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Uint64("bytes", wrapped.bytesWritten).
				Int64("duration_ms", duration.Milliseconds())

			if r.URL.RawQuery != "" {
				event.Str("query", r.URL.RawQuery)
			}
			if id := auth.FromContext(r.Context()); !id.Anonymous() {
				event.Str("user_id", id.UserID)
			}

			event.Msg("Request handled")
		})
	}
}

// Recovery turns handler panics into a 500 error envelope.
func Recovery(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}

					logger.Error().
						Str("error", fmt.Sprintf("%v", rvr)).
						Str("stack", string(debug.Stack())).
						Str("request_id", GetRequestID(r.Context())).
						Str("path", r.URL.Path).
						Str("method", r.Method).
						Msg("Panic recovered")

					writeError(w, r, zerolog.Nop(), fmt.Errorf("panic: %v", rvr))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate resolves the caller identity from the bearer token. Requests
// without a token continue anonymously; invalid tokens are rejected. A nil
// verifier rejects every token.
func Authenticate(verifier *auth.Verifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				writeError(w, r, logger, unauthorized("Token authentication is not configured."))
				return
			}

			id, err := verifier.FromRequest(r)
			if err != nil {
				logger.Debug().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("Rejected bearer token")
				writeError(w, r, logger, unauthorized("Given token not valid for any token type."))
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireUser rejects anonymous callers.
func RequireUser(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.FromContext(r.Context()).Anonymous() {
				writeError(w, r, logger, unauthorized("Authentication credentials were not provided."))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireStaff rejects anonymous and non-staff callers.
func RequireStaff(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id.Anonymous() {
				writeError(w, r, logger, unauthorized("Authentication credentials were not provided."))
				return
			}
			if !id.IsStaff {
				writeError(w, r, logger, forbidden())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiting applies the inbound quota per user, or per client IP for
// anonymous callers. It must run after Authenticate.
func RateLimiting(limiter *ratelimit.Limiter, skipPaths []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkipRateLimit(r.URL.Path, skipPaths) {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), rateLimitKey(r))
			if err != nil {
				writeError(w, r, logger, err)
				return
			}

			decision.WriteHeaders(w.Header(), time.Now())

			if !decision.Allowed {
				seconds := w.Header().Get(ratelimit.HeaderRetryAfter)
				writeError(w, r, logger, &apiError{
					Status:  http.StatusTooManyRequests,
					Code:    CodeRateLimit,
					Message: fmt.Sprintf("Request was throttled. Expected available in %s seconds.", seconds),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func shouldSkipRateLimit(path string, skipPaths []string) bool {
	for _, skipPath := range skipPaths {
		if path == skipPath || strings.HasPrefix(path, strings.TrimSuffix(skipPath, "/")+"/") {
			return true
		}
	}

	return false
}

func rateLimitKey(r *http.Request) string {
	if id := auth.FromContext(r.Context()); !id.Anonymous() {
		return "user:" + id.UserID
	}

	return "ip:" + extractIP(r.RemoteAddr)
}

func extractIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}

	return remoteAddr
}

// ConditionalGET tags successful GET responses with an entity tag over the
// body and answers matching If-None-Match requests with 304.
func ConditionalGET() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			bw := newBufferedWriter(w)

			next.ServeHTTP(bw, r)

			if bw.statusCode < 200 || bw.statusCode >= 300 {
				_ = bw.flush()
				return
			}

			etag := cache.ETag(bw.body.Bytes())
			w.Header().Set("ETag", etag)

			if cache.IsNotModified(r, etag) {
				w.Header().Del("Content-Type")
				w.Header().Del("Content-Length")
				w.WriteHeader(http.StatusNotModified)
				return
			}

			_ = bw.flush()
		})
	}
}
