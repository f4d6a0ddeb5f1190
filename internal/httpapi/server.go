// Package httpapi exposes the engine's state on a local HTTP endpoint,
// for status bars, scripts and debugging. It is meant to listen on
// loopback only; there is no auth layer.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/crewboard/livesync/internal/livesync"
)

// Server serves read access to badges and continuity state, plus the two
// conversation verbs a status-bar integration needs.
type Server struct {
	engine *livesync.Engine
}

func NewServer(engine *livesync.Engine) *Server {
	return &Server{engine: engine}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
	case path == "/badges" && r.Method == http.MethodGet:
		s.handleBadges(w)
	case path == "/continuity" && r.Method == http.MethodGet:
		s.handleContinuity(w)
	case path == "/conversations/open" && r.Method == http.MethodPost:
		s.handleOpenConversation(w, r)
	case path == "/conversations/close" && r.Method == http.MethodPost:
		s.engine.CloseConversation()
		writeJSON(w, http.StatusOK, map[string]any{"closed": true})
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleBadges(w http.ResponseWriter) {
	badges := s.engine.Badges()
	if badges == nil {
		badges = []livesync.Badge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": badges})
}

func (s *Server) handleContinuity(w http.ResponseWriter) {
	conv := s.engine.LastConversation()
	writeJSON(w, http.StatusOK, map[string]any{
		"lastConversation": conv.Category(),
	})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	conv, ok := livesync.ParseConversationCategory(body.Category)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "category must be team or dm:<user>")
		return
	}
	if err := s.engine.OpenConversation(r.Context(), conv); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "open_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"open": conv.Category()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
