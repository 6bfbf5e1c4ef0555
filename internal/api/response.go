package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/cmdqueue"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/phone"
	"github.com/phonekit/phonekit/internal/phoneerr"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Pagination bounds for list endpoints.
const (
	defaultLimit = 20
	maxLimit     = 100
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// PaginatedResponse wraps a page of list results.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type pagination struct {
	Limit  int
	Offset int
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// readJSON decodes a single JSON object from the request body into dst.
// It returns a client-facing message, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return fmt.Sprintf("field %q has the wrong type", typeErr.Field)
			}
			return "request body has the wrong type"
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return "unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
		case errors.As(err, &maxErr):
			return "request body too large"
		default:
			return "invalid request body"
		}
	}
	if dec.More() {
		return "request body must contain a single json object"
	}
	return ""
}

// parsePagination reads limit and offset query parameters.
func parsePagination(r *http.Request) (pagination, string) {
	p := pagination{Limit: defaultLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, "limit must be a positive integer"
		}
		p.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, "offset must be a non-negative integer"
		}
		p.Offset = n
	}
	return p, ""
}

// writeServiceError maps a phone, queue or engine error to a status code.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err)
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal error")
			return
		}
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, phone.ErrInvalidState),
		errors.Is(err, phone.ErrTooManyCalls),
		errors.Is(err, phone.ErrNotListening):
		return http.StatusConflict
	case errors.Is(err, phone.ErrNoCapabilityToken),
		errors.Is(err, phone.ErrNoIncomingCapability),
		errors.Is(err, phone.ErrNoOutgoingCapability),
		errors.Is(err, phone.ErrTokenExpired):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidDigits),
		phoneerr.CodeOf(err) == phoneerr.CodeInvalidJWT:
		return http.StatusBadRequest
	case errors.Is(err, callrecord.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cmdqueue.ErrClosed),
		errors.Is(err, phone.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
