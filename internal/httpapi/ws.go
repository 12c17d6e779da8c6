package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"flockcast/internal/registry"
	"flockcast/internal/transport"
	"flockcast/pkg/logx"
)

// handleWebsocket upgrades the request, registers the connection for the
// requested conversation, announces the socket handle to the client, and
// blocks reading until the peer goes away. Clients do not speak over the
// socket; inbound frames are drained and dropped.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	churchID := r.URL.Query().Get("churchId")
	conversationID := r.URL.Query().Get("conversationId")
	personID := r.URL.Query().Get("personId")
	if churchID == "" || conversationID == "" {
		writeError(w, http.StatusBadRequest, "churchId and conversationId are required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	socketID := uuid.NewString()
	s.local.Attach(socketID, transport.NewWSSocket(conn))

	c := registry.Connection{
		ID:             uuid.NewString(),
		ChurchID:       churchID,
		ConversationID: conversationID,
		SocketID:       socketID,
		PersonID:       personID,
	}
	if err := s.reg.Register(r.Context(), c); err != nil {
		s.local.Forget(socketID)
		s.log.Warn("websocket registration failed", logx.Err(err))
		conn.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}

	s.log.Info("websocket connected",
		logx.String("socket_id", socketID),
		logx.String("conversation_id", conversationID),
		logx.String("person_id", personID))

	if err := s.dispatcher.Announce(r.Context(), c); err != nil {
		s.log.Debug("socket announcement failed", logx.Err(err))
	}
	if err := s.dispatcher.BroadcastAttendance(r.Context(), churchID, conversationID); err != nil {
		s.log.Warn("attendance broadcast on connect failed", logx.Err(err))
	}

	// Block until close. Reads also service control frames.
	readCtx := r.Context()
	for {
		if _, _, err := conn.Read(readCtx); err != nil {
			break
		}
	}

	s.local.Forget(socketID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	if err := s.dispatcher.HandleDisconnect(ctx, socketID); err != nil {
		s.log.Warn("disconnect cleanup failed",
			logx.String("socket_id", socketID), logx.Err(err))
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
