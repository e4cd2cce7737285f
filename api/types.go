package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/inomad/custody-backend/interfaces"
)

// MaxRequestBodySize bounds JSON request bodies.
const MaxRequestBodySize = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrUnauthorized is returned by the auth middleware and by handlers that
// require a caller identity.
var ErrUnauthorized = errors.New("unauthorized")

type errorKind struct {
	err    error
	kind   string
	status int
}

// errorKinds is matched in order; the first sentinel found in the chain wins.
var errorKinds = []errorKind{
	{ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
	{interfaces.ErrAlreadyExists, "already_exists", http.StatusConflict},
	{interfaces.ErrNotFound, "not_found", http.StatusNotFound},
	{interfaces.ErrInvalidKey, "invalid_key", http.StatusBadRequest},
	{interfaces.ErrAddressMismatch, "address_mismatch", http.StatusConflict},
	{interfaces.ErrShareMismatch, "share_mismatch", http.StatusUnauthorized},
	{interfaces.ErrInvalidShareFormat, "invalid_share_format", http.StatusBadRequest},
	{interfaces.ErrDeviceNotAuthorized, "device_not_authorized", http.StatusForbidden},
	{interfaces.ErrAuthenticationFailed, "authentication_failed", http.StatusInternalServerError},
	{interfaces.ErrServerShareUnavailable, "server_share_unavailable", http.StatusInternalServerError},
	{interfaces.ErrLimitExceeded, "limit_exceeded", http.StatusConflict},
	{interfaces.ErrAlreadyInProgress, "already_in_progress", http.StatusConflict},
	{interfaces.ErrInsufficientGuardians, "insufficient_guardians", http.StatusBadRequest},
	{interfaces.ErrInvalidGuardian, "invalid_guardian", http.StatusForbidden},
	{interfaces.ErrAlreadyApproved, "already_approved", http.StatusConflict},
	{interfaces.ErrExpired, "expired", http.StatusGone},
	{interfaces.ErrInvalidCode, "invalid_code", http.StatusBadRequest},
	{interfaces.ErrInsufficientApprovals, "insufficient_approvals", http.StatusConflict},
	{interfaces.ErrTooManyAttempts, "too_many_attempts", http.StatusTooManyRequests},
	{interfaces.ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{interfaces.ErrInvalidArgument, "invalid_argument", http.StatusBadRequest},
}

// ErrorStatus maps an error to its wire kind and HTTP status. Unknown errors
// are internal.
func ErrorStatus(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse. Internal errors are logged and
// their message is replaced so internals never reach the client.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind, status := ErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Error("Request failed", "kind", kind, "err", err)
		}
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, ErrorResponse{Error: kind, Message: msg})
}

// DecodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", interfaces.ErrInvalidArgument, err)
	}
	return nil
}
