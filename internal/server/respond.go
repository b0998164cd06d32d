package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	autherr "github.com/alexjbarnes/authcore/internal/errors"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

// writeError maps an error to a status code. Token failures share one
// message so callers cannot tell reuse from expiry.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var rl *autherr.RateLimitError

	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", rl.Error())
	case errors.Is(err, autherr.ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", autherr.ErrRateLimited.Error())
	case errors.Is(err, autherr.ErrAccountLocked):
		writeJSONError(w, http.StatusLocked, "account_locked", autherr.ErrAccountLocked.Error())
	case errors.Is(err, autherr.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", autherr.ErrInvalidCredentials.Error())
	case autherr.IsAuthFailure(err):
		w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", autherr.ErrTokenReuseOrRevoked.Error())
	case errors.Is(err, autherr.ErrPermissionDenied):
		writeJSONError(w, http.StatusForbidden, "forbidden", autherr.ErrPermissionDenied.Error())
	case errors.Is(err, autherr.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", autherr.ErrNotFound.Error())
	case errors.Is(err, autherr.ErrAlreadyExists):
		writeJSONError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, autherr.ErrAlreadyVerified):
		writeJSONError(w, http.StatusConflict, "already_verified", autherr.ErrAlreadyVerified.Error())
	case errors.Is(err, autherr.ErrSamePasswordReuse):
		writeJSONError(w, http.StatusBadRequest, "same_password", autherr.ErrSamePasswordReuse.Error())
	case errors.Is(err, autherr.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
