package api

import (
	"maps"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phonekit/phonekit/internal/phone"
)

type createCallRequest struct {
	To     string            `json:"to"`
	Params map[string]string `json:"params"`
}

type digitsRequest struct {
	Digits string `json:"digits"`
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

// handleListCalls returns every live connection, oldest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	conns := s.phone.Connections()
	items := make([]phone.ConnectionSnapshot, len(conns))
	for i, c := range conns {
		items[i] = c.Snapshot()
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateCall places an outgoing call. "to" is shorthand for the To
// parameter.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	params := maps.Clone(req.Params)
	if params == nil {
		params = make(map[string]string)
	}
	if req.To != "" {
		params["To"] = req.To
	}
	if msg := validateParams(params); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	c, err := s.phone.Connect(params, nil)
	if err != nil {
		writeServiceError(w, s.logger, "create call", err)
		return
	}
	w.Header().Set("Location", "/api/v1/calls/"+c.ID())
	writeJSON(w, http.StatusCreated, c.Snapshot())
}

// handleGetCall returns a single connection by id.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCall(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func acceptCall(c *phone.Connection) error   { return c.Accept() }
func ignoreCall(c *phone.Connection) error   { return c.Ignore() }
func rejectCall(c *phone.Connection) error   { return c.Reject() }
func hangupCall(c *phone.Connection) error   { return c.Disconnect() }
func reinviteCall(c *phone.Connection) error { return c.Reinvite() }

// callAction wraps a connection operation that takes no body. The command
// runs asynchronously so the response is 202 with the current snapshot.
func (s *Server) callAction(op func(*phone.Connection) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.lookupCall(w, r)
		if !ok {
			return
		}
		if err := op(c); err != nil {
			writeServiceError(w, s.logger, "call action", err)
			return
		}
		writeJSON(w, http.StatusAccepted, c.Snapshot())
	}
}

// handleSendDigits plays DTMF digits into a call.
func (s *Server) handleSendDigits(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCall(w, r)
	if !ok {
		return
	}
	var req digitsRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRequiredStringLen("digits", req.Digits, maxDigitsLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := c.SendDigits(req.Digits); err != nil {
		writeServiceError(w, s.logger, "send digits", err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.Snapshot())
}

// handleSetMute mutes or unmutes a call.
func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCall(w, r)
	if !ok {
		return
	}
	var req muteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted is required")
		return
	}

	if err := c.SetMuted(*req.Muted); err != nil {
		writeServiceError(w, s.logger, "set mute", err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.Snapshot())
}

func (s *Server) lookupCall(w http.ResponseWriter, r *http.Request) (*phone.Connection, bool) {
	c, ok := s.phone.Connection(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return nil, false
	}
	return c, true
}
