package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phonekit/phonekit/internal/callrecord"
)

// historyResponse is the JSON response for a single call record.
type historyResponse struct {
	ID           string  `json:"id"`
	ConnectionID string  `json:"connection_id"`
	Direction    string  `json:"direction"`
	Number       string  `json:"number"`
	StartedAt    string  `json:"started_at"`
	DurationSec  float64 `json:"duration_sec"`
	Disposition  string  `json:"disposition"`
	Missed       bool    `json:"missed"`
	ErrorCode    int     `json:"error_code,omitempty"`
}

func toHistoryResponse(rec *callrecord.Record) historyResponse {
	direction := "outbound"
	if rec.Incoming {
		direction = "inbound"
	}
	return historyResponse{
		ID:           rec.ID,
		ConnectionID: rec.ConnectionID,
		Direction:    direction,
		Number:       rec.Number,
		StartedAt:    rec.StartedAt.Format(time.RFC3339),
		DurationSec:  rec.Duration.Seconds(),
		Disposition:  string(rec.Disposition),
		Missed:       rec.Missed,
		ErrorCode:    rec.ErrorCode,
	}
}

// handleListHistory returns call records with pagination and optional
// filters. Query params: limit, offset, missed, direction.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := callrecord.Filter{Limit: pg.Limit, Offset: pg.Offset}
	if v := q.Get("missed"); v != "" {
		missed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "missed must be a boolean")
			return
		}
		filter.MissedOnly = missed
	}
	switch q.Get("direction") {
	case "":
	case "inbound":
		incoming := true
		filter.Incoming = &incoming
	case "outbound":
		incoming := false
		filter.Incoming = &incoming
	default:
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}

	recs, total, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list history: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]historyResponse, len(recs))
	for i := range recs {
		items[i] = toHistoryResponse(&recs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetHistory returns a single call record by id.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history disabled")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := s.history.Get(r.Context(), id)
	if errors.Is(err, callrecord.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call record not found")
		return
	}
	if err != nil {
		s.logger.Error("get history: failed to query", "error", err, "record_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(&rec))
}
