package server

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/movierec-proxy/internal/auth"
	"github.com/Sternrassler/movierec-proxy/pkg/cache"
	"github.com/Sternrassler/movierec-proxy/pkg/policy"
)

const readinessTimeout = 2 * time.Second

var timeWindows = map[string]struct{}{"day": {}, "week": {}}

type handler struct {
	pages   PageService
	details DetailsFetcher
	checks  map[string]Check
	logger  zerolog.Logger
}

func (h *handler) trending(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("time_window")
	if window == "" {
		window = "day"
	}
	if _, ok := timeWindows[window]; !ok {
		writeError(w, r, h.logger, validationError("time_window must be 'day' or 'week'"))
		return
	}

	h.servePage(w, r, policy.Trending, map[string]string{"time_window": window})
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, r, h.logger, validationError("Query parameter cannot be empty"))
		return
	}

	h.servePage(w, r, policy.Search, map[string]string{"query": query})
}

func (h *handler) popular(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, policy.Popular, nil)
}

func (h *handler) recommendations(w http.ResponseWriter, r *http.Request) {
	movieID, err := parseMovieID(chi.URLParam(r, "movie_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.servePage(w, r, policy.Recommendations, map[string]string{"movie_id": movieID})
}

func (h *handler) movieDetails(w http.ResponseWriter, r *http.Request) {
	movieID, err := parseMovieID(chi.URLParam(r, "movie_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	details, err := h.details.FetchDetails(r.Context(), movieID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeData(w, details)
}

func (h *handler) favorites(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, policy.UserProfile, nil)
}

func (h *handler) personalized(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, policy.Personalized, nil)
}

// servePage runs one page request through the cache service.
func (h *handler) servePage(w http.ResponseWriter, r *http.Request, endpoint string, params map[string]string) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	env, err := h.pages.Get(r.Context(), cache.Request{
		Endpoint: endpoint,
		Params:   params,
		Page:     page,
		UserID:   auth.FromContext(r.Context()).UserID,
		URL:      absoluteURL(r),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, env)
}

type statsResponse struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pages.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeData(w, statsResponse{Stats: stats, HitRate: stats.HitRate()})
}

func (h *handler) clearCache(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.pages.Clear(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.Info().
		Str("request_id", GetRequestID(r.Context())).
		Str("by_user", auth.FromContext(r.Context()).UserID).
		Int64("deleted", deleted).
		Msg("Cache cleared")

	writeData(w, map[string]any{"message": "Cache cleared successfully", "deleted": deleted})
}

func (h *handler) invalidateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, r, h.logger, validationError("User ID cannot be empty"))
		return
	}

	deleted, err := h.pages.Invalidate(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeData(w, map[string]any{"user_id": userID, "deleted": deleted})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			h.logger.Warn().Err(err).Str("check", name).Msg("Readiness check failed")
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}

func parsePage(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 1, nil
	}

	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, validationError("Page must be greater than 0")
	}
	return page, nil
}

// parseMovieID validates and canonicalizes a movie id path segment.
func parseMovieID(raw string) (string, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return "", validationError("Movie ID must be a valid integer")
	}
	return strconv.FormatInt(id, 10), nil
}

// absoluteURL reconstructs the public URL of r for pagination links.
func absoluteURL(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	return &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
}
