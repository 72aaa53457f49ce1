// Package server exposes the proxy over HTTP: routing, the request wrapper
// (authenticate, rate limit, serve, translate errors) and the admin surface.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Sternrassler/movierec-proxy/internal/auth"
	"github.com/Sternrassler/movierec-proxy/pkg/cache"
	"github.com/Sternrassler/movierec-proxy/pkg/metrics"
	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
	"github.com/Sternrassler/movierec-proxy/pkg/ratelimit"
)

// PageService serves cached pages and the cache admin operations.
type PageService interface {
	Get(ctx context.Context, req cache.Request) (*pagination.Envelope, error)
	Invalidate(ctx context.Context, userID string) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (cache.Stats, error)
}

// DetailsFetcher serves the uncached movie details object.
type DetailsFetcher interface {
	FetchDetails(ctx context.Context, movieID string) (json.RawMessage, error)
}

// Check is a readiness probe of one dependency.
type Check func(ctx context.Context) error

// RouterConfig holds the router dependencies.
type RouterConfig struct {
	Pages   PageService
	Details DetailsFetcher

	// Verifier validates bearer tokens. Nil rejects every token.
	Verifier *auth.Verifier

	// Limiter throttles inbound requests. Nil disables rate limiting.
	Limiter            *ratelimit.Limiter
	RateLimitSkipPaths []string

	ConditionalGET bool

	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the
	// peer address used for logging and per-IP rate limiting.
	TrustProxyHeaders bool

	// UserRoutes enables the favorites backed /api/users/me endpoints.
	UserRoutes bool

	ReadinessChecks map[string]Check

	Logger zerolog.Logger
}

// NewRouter builds the HTTP handler of the proxy.
func NewRouter(cfg RouterConfig) http.Handler {
	router := chi.NewRouter()
	logger := cfg.Logger.With().Str("component", "http").Logger()

	router.Use(RequestID())
	if cfg.TrustProxyHeaders {
		router.Use(chimiddleware.RealIP)
	}
	router.Use(Recovery(logger))
	router.Use(AccessLogger(logger))
	router.Use(Authenticate(cfg.Verifier, logger))

	if cfg.Limiter != nil {
		router.Use(RateLimiting(cfg.Limiter, cfg.RateLimitSkipPaths, logger))
		logger.Info().Strs("skip_paths", cfg.RateLimitSkipPaths).Msg("Inbound rate limiting enabled")
	}

	h := &handler{
		pages:   cfg.Pages,
		details: cfg.Details,
		checks:  cfg.ReadinessChecks,
		logger:  logger,
	}

	router.Get("/health", h.health)
	router.Get("/ready", h.ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/api", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			if cfg.ConditionalGET {
				public.Use(ConditionalGET())
			}

			public.Get("/movies/trending", h.trending)
			public.Get("/movies/search", h.search)
			public.Get("/movies/popular", h.popular)
			public.Get("/movies/{movie_id}", h.movieDetails)
			public.Get("/movies/{movie_id}/recommendations", h.recommendations)

			if cfg.UserRoutes {
				public.Group(func(user chi.Router) {
					user.Use(RequireUser(logger))
					user.Get("/users/me/favorites", h.favorites)
					user.Get("/users/me/recommendations", h.personalized)
					// Path of the earlier backend.
					user.Get("/users/favorites/", h.favorites)
				})
			}
		})

		api.Group(func(admin chi.Router) {
			admin.Use(RequireStaff(logger))
			admin.Get("/cache", h.cacheStats)
			admin.Delete("/cache", h.clearCache)
			admin.Delete("/cache/users/{user_id}", h.invalidateUser)
			admin.Get("/utils/cache/", h.cacheStats)
			admin.Delete("/utils/cache/", h.clearCache)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, logger, &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "Not found."})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, logger, &apiError{Status: http.StatusMethodNotAllowed, Code: CodeValidation, Message: "Method not allowed."})
	})

	return otelhttp.NewHandler(router, "movierec-proxy",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
