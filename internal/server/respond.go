package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/movierec-proxy/pkg/cache"
	"github.com/Sternrassler/movierec-proxy/pkg/client"
	"github.com/Sternrassler/movierec-proxy/pkg/pagination"
)

// Error codes of the error envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeRateLimit        = "RATE_LIMIT_ERROR"
	CodeExternalAPI      = "EXTERNAL_API_ERROR"
	CodeAuthentication   = "AUTHENTICATION_ERROR"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeInternal         = "INTERNAL_ERROR"
)

type (
	errorBody struct {
		Message    string `json:"message"`
		Code       string `json:"code"`
		StatusCode int    `json:"status_code"`
	}

	errorEnvelope struct {
		Success bool      `json:"success"`
		Error   errorBody `json:"error"`
	}

	dataEnvelope struct {
		Success bool `json:"success"`
		Data    any  `json:"data"`
	}
)

// apiError is an error raised at the HTTP boundary with its final shape.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return e.Message
}

func validationError(message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message}
}

func unauthorized(message string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: CodeAuthentication, Message: message}
}

func forbidden() *apiError {
	return &apiError{Status: http.StatusForbidden, Code: CodePermissionDenied, Message: "You do not have permission to perform this action."}
}

// translate maps an error to its wire representation. Upstream kinds are
// only ever translated here.
func translate(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var upstream *client.UpstreamError
	errors.As(err, &upstream)
	upstreamMessage := func(fallback string) string {
		if upstream != nil && upstream.Message != "" {
			return upstream.Message
		}
		return fallback
	}

	switch {
	case errors.Is(err, client.ErrNotFound):
		return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: upstreamMessage("Resource not found.")}
	case errors.Is(err, client.ErrBadRequest):
		return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: upstreamMessage("Invalid request parameters.")}
	case errors.Is(err, client.ErrRateLimited):
		return &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimit, Message: "External API rate limit exceeded. Please try again later."}
	case errors.Is(err, client.ErrUnavailable), errors.Is(err, cache.ErrFetchTimeout):
		return &apiError{Status: http.StatusBadGateway, Code: CodeExternalAPI, Message: "External API is unavailable. Please try again later."}
	case errors.Is(err, pagination.ErrPageOutOfRange):
		return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "Invalid page."}
	default:
		return &apiError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "Internal server error."}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, dataEnvelope{Success: true, Data: data})
}

// writeError translates err into the error envelope and logs server-side
// failures.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	apiErr := translate(err)

	event := logger.Debug()
	switch {
	case errors.Is(err, context.Canceled):
		// The caller went away; nobody reads this response.
	case apiErr.Status >= http.StatusInternalServerError:
		event = logger.Error()
	case apiErr.Status == http.StatusTooManyRequests:
		event = logger.Warn()
	}
	event.
		Err(err).
		Str("request_id", GetRequestID(r.Context())).
		Str("code", apiErr.Code).
		Int("status", apiErr.Status).
		Msg("Request failed")

	writeJSON(w, apiErr.Status, errorEnvelope{
		Success: false,
		Error: errorBody{
			Message:    apiErr.Message,
			Code:       apiErr.Code,
			StatusCode: apiErr.Status,
		},
	})
}
