package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spotter/internal/channel"
	"spotter/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients connect from native apps, not browsers; origin is not
	// meaningful here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// attachChannel upgrades the request and attaches the caller to their
// session's event channel. The first frame is always a full snapshot, so
// a reconnecting client converges without an event log. Inbound frames
// count as heartbeats.
func (s *Server) attachChannel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.sendJSON(w, http.StatusBadRequest, errorBody("session_id query parameter required"))
		return
	}

	role, err := s.coord.Participant(r.Context(), sessionID, userID)
	if err != nil {
		s.sendError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	// The snapshot is loaded only after the multiplexer has registered the
	// connection, so no transition can fall between snapshot and attach.
	conn := channel.NewConn(ws, s.wsCfg.BufferSize)
	snapshot := func() (*types.Snapshot, error) {
		return s.coord.Snapshot(context.Background(), sessionID, userID)
	}
	if err := s.mux.Attach(sessionID, role, conn, snapshot); err != nil {
		conn.Close()
		return
	}

	go s.pingLoop(conn)
	s.readLoop(conn, sessionID, userID, role)

	s.mux.Detach(sessionID, role, conn)
	conn.Close()
}

// readLoop drains inbound frames until the connection dies. Every frame
// and every pong refreshes the read deadline; frames additionally record
// a heartbeat for the participant.
func (s *Server) readLoop(conn *channel.Conn, sessionID, userID string, role types.Role) {
	ws := conn.WS()
	if err := ws.SetReadDeadline(time.Now().Add(s.wsCfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.wsCfg.ReadTimeout))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			s.logger.Debug("channel read loop ended",
				zap.String("session_id", sessionID),
				zap.String("role", string(role)), zap.Error(err))
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(s.wsCfg.ReadTimeout)); err != nil {
			return
		}
		if err := s.coord.Heartbeat(context.Background(), sessionID, userID); err != nil {
			s.logger.Debug("heartbeat rejected",
				zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}
}

func (s *Server) pingLoop(conn *channel.Conn) {
	ticker := time.NewTicker(s.wsCfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.wsCfg.WriteTimeout)
			if err := conn.WS().WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}
