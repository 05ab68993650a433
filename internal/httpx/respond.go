// Package httpx holds the JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/whopracer/race-engine/internal/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable code clients act on.
type ErrorDetail struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Deficit string      `json:"deficit,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}

// WriteError reports err with the status matching its kind. Causes of
// internal errors are logged and never sent to the client.
func WriteError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	body := ErrorBody{Error: ErrorDetail{Code: e.Code, Message: e.Message}}
	if e.Deficit != nil {
		body.Error.Deficit = e.Deficit.StringFixed(2)
	}
	if e.Kind() == apperr.KindInternal {
		slog.Error("request failed", "err", err)
		body.Error.Message = "internal error"
	}
	WriteJSON(w, Status(e.Kind()), body)
}

// Status maps an error kind to its HTTP status code.
func Status(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindInsufficient, apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Decode reads a JSON request body into dst. An empty body leaves dst
// untouched.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validation("invalid request body: %v", err)
}
