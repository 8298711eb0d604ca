// Package respond renders API responses. It is the only place that turns
// an apperr.Kind into an HTTP status.
package respond

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/d9705996/fleetd/internal/apperr"
)

const contentType = "application/json"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Current    string   `json:"current_status,omitempty"`
	Allowed    []string `json:"allowed_statuses,omitzero"`
	RetryAfter int      `json:"retry_after,omitempty"`
}

var statuses = map[apperr.Kind]int{
	apperr.KindUnauthenticated:       http.StatusUnauthorized,
	apperr.KindSessionExpired:        http.StatusUnauthorized,
	apperr.KindAccountDisabled:       http.StatusUnauthorized,
	apperr.KindForbidden:             http.StatusForbidden,
	apperr.KindNotFound:              http.StatusNotFound,
	apperr.KindInvalidTransition:     http.StatusConflict,
	apperr.KindConflict:              http.StatusConflict,
	apperr.KindRateLimited:           http.StatusTooManyRequests,
	apperr.KindValidation:            http.StatusBadRequest,
	apperr.KindDownstreamUnavailable: http.StatusServiceUnavailable,
	apperr.KindInternal:              http.StatusInternalServerError,
}

// Status maps an error kind to its HTTP status.
func Status(k apperr.Kind) int {
	if s, ok := statuses[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error renders err for r. Causes are logged, never sent; Internal errors
// are reported with a generic message.
func Error(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	ae := apperr.As(err)
	status := Status(ae.Kind)
	body := ErrorBody{Error: ae.Message, Code: ae.Kind.String()}

	switch ae.Kind {
	case apperr.KindInternal:
		body.Error = "internal server error"
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	case apperr.KindDownstreamUnavailable:
		log.WarnContext(r.Context(), "downstream unavailable", "path", r.URL.Path, "error", err)
	case apperr.KindInvalidTransition:
		body.Current = ae.Current
		body.Allowed = ae.Allowed
		if body.Allowed == nil {
			body.Allowed = []string{}
		}
	case apperr.KindRateLimited:
		secs := int(math.Ceil(ae.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	JSON(w, status, body)
}
