package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
	"github.com/loomhq/loom/orchestrator"
	"github.com/loomhq/loom/pubsub"
)

// Options configures a Server.
type Options struct {
	// OriginPatterns allowed for websocket upgrades. Defaults to same-origin
	// only (no patterns).
	OriginPatterns []string
	// Logger defaults to no-op.
	Logger logging.Logger
}

// Server routes HTTP traffic to the orchestrator and the event hub.
type Server struct {
	orch           *orchestrator.Orchestrator
	hub            *pubsub.Hub
	originPatterns []string
	logger         logging.Logger
}

// New constructs a Server.
func New(orch *orchestrator.Orchestrator, hub *pubsub.Hub, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Server{
		orch:           orch,
		hub:            hub,
		originPatterns: opts.OriginPatterns,
		logger:         opts.Logger,
	}
}

// Router builds the chi router with the full route set.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/healthz"))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleStartTurn)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/pin", s.handleClearPin)
			r.Post("/turns/{turnID}/cancel", s.handleCancelTurn)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// startTurnRequest is the POST /v1/turns body.
type startTurnRequest struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	Input     string `json:"input"`
	// WaitMS caps how long the request blocks for a terminal turn before a
	// 202 snapshot is returned. Zero uses the server default.
	WaitMS int `json:"wait_ms,omitempty"`
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req startTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body", "malformed JSON")
		return
	}

	if req.WaitMS < 0 {
		writeError(w, http.StatusBadRequest, "wait_ms", "must not be negative")
		return
	}

	turn, err := s.orch.StartTurn(r.Context(), orchestrator.StartTurnRequest{
		SessionID:  req.SessionID,
		OwnerID:    req.OwnerID,
		TurnID:     req.TurnID,
		Input:      req.Input,
		WaitBudget: time.Duration(req.WaitMS) * time.Millisecond,
	})
	if err != nil {
		s.writeStartTurnError(w, err)
		return
	}

	status := http.StatusOK
	if turn.Status == core.TurnRunning || turn.Status == core.TurnPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, turn)
}

func (s *Server) writeStartTurnError(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Field, ve.Reason)
	case errors.Is(err, core.ErrSessionArchived):
		writeError(w, http.StatusConflict, "session_id", "session is archived")
	case errors.Is(err, orchestrator.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "session_id", "too many queued turns")
	default:
		s.logger.Error("start turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_id", "no such session")
			return
		}
		s.logger.Error("get session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleClearPin(w http.ResponseWriter, r *http.Request) {
	err := s.orch.ClearSafetyPin(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_id", "no such session")
			return
		}
		s.logger.Error("clear pin failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turnID := chi.URLParam(r, "turnID")

	if err := s.orch.CancelTurn(r.Context(), sessionID, turnID); err != nil {
		if errors.Is(err, core.ErrTurnNotFound) {
			writeError(w, http.StatusNotFound, "turn_id", "no cancellable turn")
			return
		}
		s.logger.Error("cancel turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// errorResponse is the structured error body for every non-2xx response.
type errorResponse struct {
	Error struct {
		Field  string `json:"field,omitempty"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"reason":"failed to encode response"}}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, field, reason string) {
	var resp errorResponse
	resp.Error.Field = field
	resp.Error.Reason = reason
	writeJSON(w, status, resp)
}
