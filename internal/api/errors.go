package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"wayfind/pkg/model"
)

// errorResponse is the uniform error body of the external surface.
type errorResponse struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case model.CodeInvalidInput:
		return http.StatusBadRequest
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeZoneNotFound, model.CodeNoRouteFound:
		return http.StatusNotFound
	case model.CodeZoneConflict, model.CodePoseLost, model.CodeRouteCancelled:
		return http.StatusConflict
	case model.CodeLowConfidence, model.CodeNoNodesNearPosition:
		return http.StatusUnprocessableEntity
	case model.CodeRouteTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a component error onto the wire format.
func writeError(w http.ResponseWriter, err error) {
	var e *model.Error
	if !errors.As(err, &e) {
		e = model.ErrInternal("", err)
	}

	resp := errorResponse{
		Code:         e.Code,
		Message:      e.Message,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}
	if e.Code == model.CodeInternal {
		// The cause stays in the log; callers get the opaque message.
		slog.Error("internal error on API surface", "correlation_id", e.CorrelationID, "error", e.Unwrap())
		resp.Message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((resp.RetryAfterMs+999)/1000, 10))
	}
	w.WriteHeader(statusFor(e.Code))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to write error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
