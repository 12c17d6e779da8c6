// Package notify escalates undelivered conversation interest into push
// notifications or durable records for the email digest.
//
// The sender never sees any of this: recipients who were unreachable in real
// time get a push or a digest email, invisibly.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flockcast/internal/push"
	"flockcast/internal/storage"
	"flockcast/pkg/logx"
)

// ContentTypeMessage tags notifications that stem from a conversation post.
const ContentTypeMessage = "message"

// Store is the persistence surface the escalator needs; *storage.Store
// satisfies it.
type Store interface {
	ListParticipants(ctx context.Context, churchID, conversationID string) ([]string, error)
	HasUnreadNotification(ctx context.Context, churchID, personID, contentType, contentID string) (bool, error)
	CreateNotification(ctx context.Context, n storage.Notification) (storage.Notification, error)
	LoadPreference(ctx context.Context, churchID, personID string) (storage.Preference, error)
	ListDevices(ctx context.Context, churchID, personID string) ([]storage.Device, error)
}

// Pusher is the push dispatcher surface.
type Pusher interface {
	SendBulk(ctx context.Context, tokens []string, title, body string, data map[string]string) []push.Ticket
}

type Escalator struct {
	store  Store
	pusher Pusher
	log    logx.Logger
}

func NewEscalator(store Store, pusher Pusher, log logx.Logger) *Escalator {
	return &Escalator{store: store, pusher: pusher, log: log}
}

// CheckShouldNotify walks the recipient set of a conversation (everyone but
// the actor) and, per recipient, either does nothing (an unread notification
// for this conversation already exists), pushes immediately, or creates a
// pending record for the digest scheduler.
//
// Per-recipient failures are soft: they are logged and the loop continues.
// Only the participant lookup is a hard error.
func (e *Escalator) CheckShouldNotify(ctx context.Context, conv storage.Conversation, msg storage.Message, actingPersonID string) error {
	participants, err := e.store.ListParticipants(ctx, conv.ChurchID, conv.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	for _, personID := range participants {
		if personID == "" || personID == actingPersonID {
			continue
		}
		if err := e.escalateOne(ctx, conv, msg, personID); err != nil {
			e.log.Warn("notification escalation failed",
				logx.String("person_id", personID),
				logx.String("conversation_id", conv.ID),
				logx.Err(err))
		}
	}
	return nil
}

func (e *Escalator) escalateOne(ctx context.Context, conv storage.Conversation, msg storage.Message, personID string) error {
	// Idempotence: one unread notification per (church, person, type, content).
	exists, err := e.store.HasUnreadNotification(ctx, conv.ChurchID, personID, ContentTypeMessage, conv.ID)
	if err != nil {
		return fmt.Errorf("unread check: %w", err)
	}
	if exists {
		return nil
	}

	pref, err := e.store.LoadPreference(ctx, conv.ChurchID, personID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load preference: %w", err)
		}
		// No preference row: no push, and the digest query will not select
		// the record either. The row still preserves history.
		pref = storage.Preference{EmailFrequency: storage.FreqNone}
	}

	n := storage.Notification{
		ChurchID:    conv.ChurchID,
		PersonID:    personID,
		ContentType: ContentTypeMessage,
		ContentID:   conv.ID,
		IsNew:       true,
		Message:     snippet(msg.Body, 140),
		Link:        "/churches/" + conv.ChurchID + "/conversations/" + conv.ID,
	}

	// A nil pusher means push is disabled for this deployment; the record
	// stays pending so the digest can pick it up.
	if pref.AllowPush && e.pusher != nil {
		devices, err := e.store.ListDevices(ctx, conv.ChurchID, personID)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(devices) > 0 {
			tokens := make([]string, 0, len(devices))
			for _, d := range devices {
				tokens = append(tokens, d.Token)
			}
			title := conv.Title
			if title == "" {
				title = "New message"
			}
			// The record is created regardless of the provider outcome:
			// delivery-method assignment is final once set to push, and the
			// row preserves history for the recipient's inbox.
			tickets := e.pusher.SendBulk(ctx, tokens, title, n.Message, map[string]string{
				"churchId":       conv.ChurchID,
				"conversationId": conv.ID,
			})
			failed := 0
			for _, t := range tickets {
				if !t.OK {
					failed++
				}
			}
			if failed > 0 {
				e.log.Warn("push delivery partially failed",
					logx.String("person_id", personID),
					logx.Int("tokens", len(tokens)),
					logx.Int("failed", failed))
			}
			n.DeliveryMethod = storage.MethodPush
		}
	}

	if _, err := e.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
