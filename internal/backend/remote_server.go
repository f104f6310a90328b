package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/update"
)

// Server exposes sessions over HTTP: POST an Action, GET a Server-Sent
// Events stream of Updates. Routed alongside the MCP bridge (C10) on the
// same chi.Router by cmd/opencoach's `serve` subcommand.
type Server struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	bus     *bus.Bus
	handler ActionHandler
}

// NewServer creates an empty Server; call RegisterSession per active
// session before routing requests to it.
func NewServer() *Server {
	return &Server{sessions: make(map[string]*sessionEntry)}
}

// RegisterSession attaches a session's bus and action handler under id.
func (s *Server) RegisterSession(id string, b *bus.Bus, handler ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sessionEntry{bus: b, handler: handler}
}

// UnregisterSession removes a session, e.g. once it ends.
func (s *Server) UnregisterSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Routes mounts the remote backend's endpoints onto r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/sessions/{sessionID}/actions", s.handleAction)
	r.Get("/sessions/{sessionID}/updates", s.handleUpdates)
}

func (s *Server) lookup(id string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entry, ok := s.lookup(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var action update.ActionEnvelope
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		http.Error(w, fmt.Sprintf("invalid action: %v", err), http.StatusBadRequest)
		return
	}
	action.SessionID = id
	if err := entry.handler(r.Context(), action); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entry, ok := s.lookup(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := entry.bus.Subscribe(bus.SubscribeOptions{})
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			env, err := update.FromBusUpdate(u)
			if err != nil {
				log.Warn().Err(err).Msg("backend: dropping update with no wire mapping")
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}
