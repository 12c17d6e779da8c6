package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"flockcast/internal/delivery"
	"flockcast/internal/storage"
	"flockcast/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type postMessageRequest struct {
	PersonID string `json:"personId"`
	Body     string `json:"body"`
}

type messageResponse struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"` // unix millis
	Delivered int    `json:"delivered"`
}

// handlePostMessage persists the message, refreshes the conversation's post
// pointers, fans the message out to live viewers, and escalates for everyone
// who was not watching. Fan-out and escalation failures do not fail the
// request; the message is durable at that point.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	churchID := r.PathValue("churchId")
	conversationID := r.PathValue("conversationId")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}

	conv, err := s.store.LoadConversation(r.Context(), churchID, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.log.Error("load conversation failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msg, err := s.store.SaveMessage(r.Context(), storage.Message{
		ChurchID:       churchID,
		ConversationID: conversationID,
		PersonID:       req.PersonID,
		Body:           req.Body,
	})
	if err != nil {
		s.log.Error("save message failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.UpdateConversationStats(r.Context(), conversationID); err != nil {
		s.log.Warn("conversation stats update failed",
			logx.String("conversation_id", conversationID), logx.Err(err))
	}

	delivered, err := s.dispatcher.Deliver(r.Context(), delivery.Event{
		ChurchID:       churchID,
		ConversationID: conversationID,
		Action:         delivery.ActionMessage,
		Data: map[string]any{
			"id":        msg.ID,
			"personId":  msg.PersonID,
			"body":      msg.Body,
			"createdAt": msg.CreatedAt.UnixMilli(),
		},
	})
	if err != nil {
		s.log.Warn("message fan-out failed",
			logx.String("conversation_id", conversationID), logx.Err(err))
	}

	if err := s.escalator.CheckShouldNotify(r.Context(), conv, msg, req.PersonID); err != nil {
		s.log.Warn("notification escalation failed",
			logx.String("conversation_id", conversationID), logx.Err(err))
	}

	writeJSON(w, http.StatusCreated, messageResponse{
		ID:        msg.ID,
		CreatedAt: msg.CreatedAt.UnixMilli(),
		Delivered: delivered,
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	churchID := r.PathValue("churchId")
	conversationID := r.PathValue("conversationId")
	messageID := r.PathValue("messageId")

	if err := s.store.DeleteMessage(r.Context(), churchID, conversationID, messageID); err != nil {
		s.log.Error("delete message failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.UpdateConversationStats(r.Context(), conversationID); err != nil {
		s.log.Warn("conversation stats update failed",
			logx.String("conversation_id", conversationID), logx.Err(err))
	}

	delivered, err := s.dispatcher.Deliver(r.Context(), delivery.Event{
		ChurchID:       churchID,
		ConversationID: conversationID,
		Action:         delivery.ActionDeleteMessage,
		Data:           map[string]string{"messageId": messageID},
	})
	if err != nil {
		s.log.Warn("delete fan-out failed",
			logx.String("conversation_id", conversationID), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

type blockedIPRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleBlockedIP(w http.ResponseWriter, r *http.Request) {
	churchID := r.PathValue("churchId")
	conversationID := r.PathValue("conversationId")

	var req blockedIPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.IP) == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	delivered, err := s.dispatcher.Deliver(r.Context(), delivery.Event{
		ChurchID:       churchID,
		ConversationID: conversationID,
		Action:         delivery.ActionBlockedIP,
		Data:           map[string]string{"ip": req.IP},
	})
	if err != nil {
		s.log.Warn("blocked-ip fan-out failed",
			logx.String("conversation_id", conversationID), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	churchID := r.PathValue("churchId")
	notificationID := r.PathValue("notificationId")

	if err := s.store.MarkNotificationRead(r.Context(), churchID, notificationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.log.Error("mark read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type disconnectRequest struct {
	SocketID string `json:"socketId"`
}

// handleDisconnect is the managed gateway's disconnect webhook. The gateway
// retries on non-2xx, so a registry failure is surfaced as 500.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SocketID) == "" {
		writeError(w, http.StatusBadRequest, "socketId is required")
		return
	}

	// Detach from the request lifetime; cleanup must finish even if the
	// gateway hangs up early.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	if err := s.dispatcher.HandleDisconnect(ctx, req.SocketID); err != nil {
		s.log.Error("disconnect cleanup failed",
			logx.String("socket_id", req.SocketID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
