package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// handleEvents upgrades to a websocket and streams the session's workflow
// events as JSON text frames. ?from_seq=N replays buffered events with
// sequence >= N first; a gap frame reports anything already evicted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var fromSeq uint64
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from_seq", "must be an unsigned integer")
			return
		}
		fromSeq = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	sub := s.hub.Subscribe(sessionID, fromSeq)
	defer sub.Close()

	// No inbound messages are expected; CloseRead surfaces client
	// disconnects through the returned context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client gone")
			return
		case ev, ok := <-sub.Events:
			if !ok {
				// The hub dropped us for falling behind.
				conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to marshal event", "session_id", sessionID, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}
