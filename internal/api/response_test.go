package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/cmdqueue"
	"github.com/phonekit/phonekit/internal/engine"
	"github.com/phonekit/phonekit/internal/phone"
	"github.com/phonekit/phonekit/internal/phoneerr"
)

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	tests := []struct {
		name string
		body string
		want string
	}{
		{"valid", `{"name":"test","value":42}`, ""},
		{"empty", "", "request body must not be empty"},
		{"malformed", `{"name":`, "malformed json"},
		{"unknown field", `{"name":"test","extra":1}`, `unknown field "extra"`},
		{"wrong type", `{"value":"not_a_number"}`, `field "value" has the wrong type`},
		{"two objects", `{"name":"a"}{"name":"b"}`, "request body must contain a single json object"},
		{"too large", `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			if got := readJSON(r, &dst); got != tt.want {
				t.Errorf("readJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query   string
		want    pagination
		wantErr string
	}{
		{"", pagination{Limit: defaultLimit}, ""},
		{"?limit=5&offset=10", pagination{Limit: 5, Offset: 10}, ""},
		{"?limit=1000", pagination{Limit: maxLimit}, ""},
		{"?limit=0", pagination{}, "limit must be a positive integer"},
		{"?limit=abc", pagination{}, "limit must be a positive integer"},
		{"?offset=-1", pagination{}, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/items"+tt.query, nil)
			got, errMsg := parsePagination(r)
			if errMsg != tt.wantErr {
				t.Fatalf("error = %q, want %q", errMsg, tt.wantErr)
			}
			if errMsg == "" && got != tt.want {
				t.Errorf("pagination = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"client error keeps message", phone.ErrTooManyCalls, http.StatusConflict, phone.ErrTooManyCalls.Error()},
		{"internal error is hidden", errors.New("disk on fire"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeServiceError(w, discardLogger(), "test", tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var env envelope
			if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if env.Error != tt.message {
				t.Errorf("error = %q, want %q", env.Error, tt.message)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid state", fmt.Errorf("%w: connection is closed", phone.ErrInvalidState), http.StatusConflict},
		{"too many calls", phone.ErrTooManyCalls, http.StatusConflict},
		{"not listening", phone.ErrNotListening, http.StatusConflict},
		{"no token", phone.ErrNoCapabilityToken, http.StatusForbidden},
		{"no outgoing", phone.ErrNoOutgoingCapability, http.StatusForbidden},
		{"expired", phone.ErrTokenExpired, http.StatusForbidden},
		{"bad digits", engine.ErrInvalidDigits, http.StatusBadRequest},
		{"bad jwt", phoneerr.New(phoneerr.DomainServices, phoneerr.CodeInvalidJWT, "invalid token"), http.StatusBadRequest},
		{"record not found", callrecord.ErrNotFound, http.StatusNotFound},
		{"queue closed", fmt.Errorf("posting hangup: %w", cmdqueue.ErrClosed), http.StatusServiceUnavailable},
		{"no network", phone.ErrNetworkUnavailable, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
