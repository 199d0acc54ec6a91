// Package server exposes the Digital Town Hall agents over HTTP: a chat
// endpoint streaming agent responses as Server-Sent Events plus small
// status and session management endpoints for the frontend.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/logging"
	"github.com/townhall-labs/townhall/runner"
	"github.com/townhall-labs/townhall/townhall"
)

// Options configure the HTTP server.
type Options struct {
	// Version is reported by the status endpoint.
	Version string
	// CORSOrigins are the allowed frontend origins.
	CORSOrigins []string
	// MaxModelCalls bounds model calls per chat turn.
	MaxModelCalls int
	// Logger receives request and run diagnostics.
	Logger logging.Logger
}

// sessionState tracks the per-conversation data that survives between chat
// turns: the town hall context and the agent currently holding the
// conversation (handoffs persist across requests).
type sessionState struct {
	context      *townhall.Context
	currentAgent core.Agent
}

// Server is the Town Hall HTTP backend.
type Server struct {
	agents *townhall.Agents
	store  core.SessionStore

	version       string
	corsOrigins   []string
	maxModelCalls int
	logger        logging.Logger

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a Server for the given agent graph and session store.
func New(agents *townhall.Agents, store core.SessionStore, optFns ...func(o *Options)) *Server {
	opts := Options{
		Version:       "0.2.0",
		CORSOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		MaxModelCalls: 100,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Server{
		agents:        agents,
		store:         store,
		version:       opts.Version,
		corsOrigins:   opts.CORSOrigins,
		maxModelCalls: opts.MaxModelCalls,
		logger:        opts.Logger,
		sessions:      make(map[string]*sessionState),
	}
}

// Handler builds the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleListSessions)
	r.Post("/sessions/create", s.handleCreateSession)
	r.Post("/chat", s.handleChat)

	return r
}

// Start begins serving on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}

	s.logger.Info("server.start", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("server.stopped")
	return nil
}

// CurrentAgent returns the name of the agent holding a conversation, or ""
// when the session is unknown.
func (s *Server) CurrentAgent(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sessions[sessionID]; ok {
		return state.currentAgent.Name()
	}
	return ""
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "Digital Town Hall API",
		"version":         s.version,
		"active_sessions": active,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       len(ids),
		"session_ids": ids,
	})
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body creates a session with a generated id.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "user-" + uuid.NewString()
	}

	if _, err := s.store.Create(sessionID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.resetSessionState(sessionID)

	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "created": true})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// handleChat streams one conversation turn as Server-Sent Events: text
// deltas as they arrive, `data: [DONE]` on completion and
// `data: [ERROR: …]` on failure. The session is created lazily and the
// agent currently holding the conversation is remembered across turns.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "user-" + uuid.NewString()
	}

	state, agent := s.sessionState(sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-ID", sessionID)

	rn := runner.New(agent, func(o *runner.Options) {
		o.SessionStore = s.store
		o.App = state.context
		o.MaxModelCalls = s.maxModelCalls
		o.Logger = s.logger
	})

	userContent := core.Content{Role: "user", Parts: []core.Part{core.TextPart{Text: req.Message}}}

	_, events, errs, err := rn.Run(r.Context(), sessionID, userContent)
	if err != nil {
		s.logger.Error("server.chat.run_failed", "session_id", sessionID, "error", err.Error())
		fmt.Fprintf(w, "data: [ERROR: %s]\n\n", err.Error())
		flusher.Flush()
		return
	}

	// streamedTurn tracks whether the current assistant turn already arrived
	// as partial deltas, so the closing full-text event is not re-sent.
	var streamedTurn bool
	var lastHandoff string

	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.IsHandoff() {
				lastHandoff = *ev.Actions.Handoff
			}
			if ev.IsPartial() {
				if delta := ev.Text(); delta != "" {
					fmt.Fprintf(w, "data: %s\n\n", delta)
					flusher.Flush()
					streamedTurn = true
				}
				continue
			}
			if ev.IsFinalResponse() && ev.Text() != "" {
				if !streamedTurn {
					fmt.Fprintf(w, "data: %s\n\n", ev.Text())
					flusher.Flush()
				}
				streamedTurn = false
			}
		case runErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if runErr != nil {
				s.logger.Error("server.chat.failed", "session_id", sessionID, "error", runErr.Error())
				fmt.Fprintf(w, "data: [ERROR: %s]\n\n", runErr.Error())
				flusher.Flush()
				return
			}
		}
	}

	// Remember who holds the conversation for the next turn.
	if lastHandoff != "" {
		if next, err := s.agents.Agent(lastHandoff); err == nil {
			s.mu.Lock()
			state.currentAgent = next
			s.mu.Unlock()
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// sessionState returns the per-session record plus a snapshot of the agent
// holding the conversation. The snapshot is taken under the lock because a
// concurrent turn on the same session may reassign currentAgent.
func (s *Server) sessionState(sessionID string) (*sessionState, core.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		s.logger.Info("server.session.created", "session_id", sessionID)
		state = &sessionState{
			context:      townhall.NewContext(),
			currentAgent: s.agents.Dialogue,
		}
		s.sessions[sessionID] = state
	}
	return state, state.currentAgent
}

func (s *Server) resetSessionState(sessionID string) {
	s.mu.Lock()
	s.sessions[sessionID] = &sessionState{
		context:      townhall.NewContext(),
		currentAgent: s.agents.Dialogue,
	}
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
