package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	km "github.com/eugener/palantir/internal"
)

// maxBodySize caps request bodies to guard against oversized payloads.
const maxBodySize = 1 << 20 // 1 MiB

type apiError struct {
	Error string `json:"error"`
}

func errorResponse(msg string) apiError {
	return apiError{Error: msg}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, km.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, km.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, km.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, km.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, km.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, km.ErrHistoryDisabled):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeServiceError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQL errors).
// Domain sentinels carry user-safe messages and pass through as-is.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	var rl *km.RateLimitError
	switch {
	case errors.As(err, &rl):
		writeJSON(w, status, errorResponse("Rate limit is exceeded. Try again in "+rl.RetryAfterText()+"."))
	case status != http.StatusInternalServerError:
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("An internal error has occurred!"))
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
