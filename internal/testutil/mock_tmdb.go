// Package testutil provides testing utilities for the movie API client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockTMDB is a configurable mock movie API server for testing.
// Paths are matched without the version prefix, e.g. "/movie/popular".
type MockTMDB struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse

	// Tracking
	requestCount      int
	pathCounts        map[string]int
	lastRequest       *http.Request
	lastRequestHeader http.Header
}

// APIPrefix is the version prefix of BaseURL.
const APIPrefix = "/3"

// NewMockTMDB creates a new mock server.
func NewMockTMDB() *MockTMDB {
	mock := &MockTMDB{
		handlers:   make(map[string]http.HandlerFunc),
		sequences:  make(map[string][]MockResponse),
		pathCounts: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(APIPrefix+"/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len(APIPrefix):]

		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[path]++
		mock.lastRequest = r.Clone(r.Context())
		mock.lastRequestHeader = r.Header.Clone()

		var seqResp *MockResponse
		if seq := mock.sequences[path]; len(seq) > 0 {
			resp := seq[0]
			seqResp = &resp
			// The last entry repeats forever.
			if len(seq) > 1 {
				mock.sequences[path] = seq[1:]
			}
		}
		handler, exists := mock.handlers[path]
		mock.mu.Unlock()

		switch {
		case seqResp != nil:
			writeResponse(w, r, *seqResp)
		case exists:
			handler(w, r)
		default:
			writeResponse(w, r, MockResponse{
				StatusCode: http.StatusNotFound,
				Body:       `{"status_code":34,"status_message":"The resource you requested could not be found."}`,
			})
		}
	})

	mock.server = httptest.NewServer(mux)
	return mock
}

// URL returns the API base URL including the version prefix.
func (m *MockTMDB) URL() string {
	return m.server.URL + APIPrefix
}

// Close shuts down the mock server.
func (m *MockTMDB) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockTMDB) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastRequest = nil
	m.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockTMDB) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockTMDB) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, r, resp)
	})
}

// SetSequence configures responses served in order for a path. The last
// response is repeated once the sequence is used up.
func (m *MockTMDB) SetSequence(path string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = resps
}

// RequestCount returns the number of requests made to the server.
func (m *MockTMDB) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made to path.
func (m *MockTMDB) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRequest returns a copy of the most recent request.
func (m *MockTMDB) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequest
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockTMDB) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// Movie returns a minimal movie object with the given id.
func Movie(id int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"title":"Movie %d"}`, id, id))
}

// PageBody renders a paginated upstream body. Movie ids start at firstID.
func PageBody(page, perPage, totalPages, totalResults, firstID int) string {
	results := make([]json.RawMessage, 0, perPage)
	for i := 0; i < perPage; i++ {
		results = append(results, Movie(firstID+i))
	}

	body, _ := json.Marshal(map[string]any{
		"page":          page,
		"results":       results,
		"total_pages":   totalPages,
		"total_results": totalResults,
	})
	return string(body)
}

// NewPageResponse creates a 200 OK page response.
func NewPageResponse(page, perPage, totalPages, totalResults, firstID int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       PageBody(page, perPage, totalPages, totalResults, firstID),
	}
}

// NewPagedHandler serves page N of a list of totalResults movies based on
// the page query parameter.
func NewPagedHandler(perPage, totalResults int) http.HandlerFunc {
	totalPages := (totalResults + perPage - 1) / perPage
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		if err != nil || page < 1 {
			page = 1
		}

		n := perPage
		if remaining := totalResults - (page-1)*perPage; remaining < n {
			n = max(remaining, 0)
		}

		writeResponse(w, r, NewPageResponse(page, n, totalPages, totalResults, (page-1)*perPage+1))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"status_code":25,"status_message":"Your request count (41) is over the allowed limit of 40."}`,
	}
	if retryAfter != "" {
		resp.Headers = map[string]string{"Retry-After": retryAfter}
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"status_code":11,"status_message":"Internal error: Something went wrong, contact TMDB."}`,
	}
}

// NewBadRequestResponse creates a 422 validation failure response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body:       `{"status_code":22,"status_message":"Invalid page: Pages start at 1 and max at 500."}`,
	}
}
