package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/phonekit/phonekit/internal/eventstream"
)

type tokenRequest struct {
	Token string `json:"token"`
}

type reachabilityRequest struct {
	Internet    *bool `json:"internet"`
	Matrix      *bool `json:"matrix"`
	CallControl *bool `json:"call_control"`
}

type presenceRequest struct {
	Available *bool `json:"available"`
}

// handleGetDevice returns the device snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.phone.Snapshot())
}

// handleUpdateToken installs a new capability token.
func (s *Server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRequiredStringLen("token", req.Token, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("token", req.Token); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.phone.UpdateCapabilityToken(req.Token); err != nil {
		writeServiceError(w, s.logger, "update token", err)
		return
	}
	s.logger.Info("capability token updated via api")
	writeJSON(w, http.StatusOK, s.phone.Snapshot())
}

// handleListen starts listening for incoming calls.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.Listen(); err != nil {
		writeServiceError(w, s.logger, "listen", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.phone.Snapshot())
}

// handleUnlisten stops listening for incoming calls.
func (s *Server) handleUnlisten(w http.ResponseWriter, r *http.Request) {
	if err := s.phone.Unlisten(); err != nil {
		writeServiceError(w, s.logger, "unlisten", err)
		return
	}
	writeJSON(w, http.StatusOK, s.phone.Snapshot())
}

// handleSetReachability updates the network view. Omitted fields keep
// their current value.
func (s *Server) handleSetReachability(w http.ResponseWriter, r *http.Request) {
	var req reachabilityRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	reach := s.phone.Snapshot().Reachability
	if req.Internet != nil {
		reach.Internet = *req.Internet
	}
	if req.Matrix != nil {
		reach.Matrix = *req.Matrix
	}
	if req.CallControl != nil {
		reach.CallControl = *req.CallControl
	}
	s.phone.SetReachability(reach)
	writeJSON(w, http.StatusOK, reach)
}

// handleSetPresence publishes this client's availability.
func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Available == nil {
		writeError(w, http.StatusBadRequest, "available is required")
		return
	}
	if err := s.phone.SetPresence(*req.Available); err != nil {
		writeServiceError(w, s.logger, "set presence", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"available": *req.Available})
}

// handleGetRoster returns the presence roster seen on the event stream.
func (s *Server) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	roster := s.phone.Snapshot().Roster
	if roster == nil {
		roster = []eventstream.PresenceEntry{}
	}
	writeJSON(w, http.StatusOK, roster)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
