// Package delivery fans conversation events out to every currently-connected
// viewer and keeps the presence view consistent when connections die.
//
// Delivery is best-effort: a failed send prunes the connection from the
// registry and triggers an attendance re-broadcast, it is never surfaced to
// the sender. Durability for unreachable recipients is the escalator's job,
// not this package's.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"flockcast/internal/registry"
	"flockcast/internal/transport"
	"flockcast/pkg/logx"
)

type Service struct {
	reg    registry.Registry
	sender transport.Sender
	log    logx.Logger

	// sendTimeout bounds one send to one connection; a timed-out send is a
	// failed send and the connection is pruned.
	sendTimeout time.Duration
}

func New(reg registry.Registry, sender transport.Sender, log logx.Logger, sendTimeout time.Duration) *Service {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Service{reg: reg, sender: sender, log: log, sendTimeout: sendTimeout}
}

// Deliver fans the event out to every connection watching the conversation
// and returns the number of successful sends.
//
// Individual send failures are local: the dead connection is unregistered
// (exactly once per dispatch) and the batch continues. Only a registry
// failure propagates as a hard error. When at least one connection was
// pruned, the current viewer set is re-broadcast as an attendance event.
func (s *Service) Deliver(ctx context.Context, ev Event) (int, error) {
	conns, err := s.reg.ListActive(ctx, ev.ChurchID, ev.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("load connections: %w", err)
	}
	if len(conns) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	var pruned atomic.Int64
	var wg sync.WaitGroup
	wg.Add(len(conns))
	for _, c := range conns {
		go func(c registry.Connection) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					pruned.Add(1)
					s.log.Error("panic in send", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			if !s.sendOne(ctx, c, payload) {
				pruned.Add(1)
			}
		}(c)
	}
	wg.Wait()

	lost := int(pruned.Load())
	if lost > 0 {
		s.log.Debug("dispatch shrank the viewer set",
			logx.String("conversation_id", ev.ConversationID),
			logx.String("action", string(ev.Action)),
			logx.Int("pruned", lost))
		if err := s.BroadcastAttendance(ctx, ev.ChurchID, ev.ConversationID); err != nil {
			s.log.Warn("attendance re-broadcast failed",
				logx.String("conversation_id", ev.ConversationID), logx.Err(err))
		}
	}
	return len(conns) - lost, nil
}

// sendOne reports whether the send succeeded. On failure it unregisters the
// connection; unregistering an already-absent connection is a no-op, so
// concurrent dispatches cannot prune twice.
func (s *Service) sendOne(ctx context.Context, c registry.Connection, payload []byte) bool {
	sctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.sender.Send(sctx, c, payload); err != nil {
		if uerr := s.reg.Unregister(ctx, c.ID); uerr != nil {
			s.log.Warn("prune failed", logx.String("connection_id", c.ID), logx.Err(uerr))
		}
		s.log.Debug("send failed; connection pruned",
			logx.String("connection_id", c.ID),
			logx.String("conversation_id", c.ConversationID),
			logx.Err(err))
		return false
	}
	return true
}

// BroadcastAttendance recomputes the viewer list for a conversation and
// redelivers it as a system event. A broadcast that itself drops connections
// triggers at most one further broadcast through Deliver, because the second
// pass operates on the already-pruned set.
func (s *Service) BroadcastAttendance(ctx context.Context, churchID, conversationID string) error {
	conns, err := s.reg.ListActive(ctx, churchID, conversationID)
	if err != nil {
		return fmt.Errorf("load viewers: %w", err)
	}
	viewers := make([]Viewer, 0, len(conns))
	for _, c := range conns {
		viewers = append(viewers, Viewer{ConnectionID: c.ID, PersonID: c.PersonID})
	}
	_, err = s.Deliver(ctx, Event{
		ChurchID:       churchID,
		ConversationID: conversationID,
		Action:         ActionAttendance,
		Data: AttendancePayload{
			ConversationID: conversationID,
			Viewers:        viewers,
			TotalViewers:   len(viewers),
		},
	})
	return err
}

// Announce tells a freshly registered connection its socket handle.
// Failure here is not a pruning event; the client will still receive fan-out
// if the socket is in fact alive.
func (s *Service) Announce(ctx context.Context, c registry.Connection) error {
	payload, err := json.Marshal(Event{
		ChurchID:       c.ChurchID,
		ConversationID: c.ConversationID,
		Action:         ActionSocketID,
		Data:           SocketIDPayload{SocketID: c.SocketID},
	})
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	return s.sender.Send(sctx, c, payload)
}

// HandleDisconnect removes every registration held by a physical socket and
// re-broadcasts attendance for each conversation it was watching. It is
// invoked by the websocket read loop on close and by the gateway's
// disconnect webhook.
func (s *Service) HandleDisconnect(ctx context.Context, socketID string) error {
	conns, err := s.reg.ListBySocketID(ctx, socketID)
	if err != nil {
		return fmt.Errorf("lookup socket registrations: %w", err)
	}
	touched := map[[2]string]struct{}{}
	for _, c := range conns {
		if err := s.reg.Unregister(ctx, c.ID); err != nil {
			s.log.Warn("unregister on disconnect failed",
				logx.String("connection_id", c.ID), logx.Err(err))
			continue
		}
		touched[[2]string{c.ChurchID, c.ConversationID}] = struct{}{}
	}
	for key := range touched {
		if err := s.BroadcastAttendance(ctx, key[0], key[1]); err != nil {
			s.log.Warn("attendance broadcast after disconnect failed",
				logx.String("conversation_id", key[1]), logx.Err(err))
		}
	}
	if len(conns) > 0 {
		s.log.Info("socket disconnected",
			logx.String("socket_id", socketID),
			logx.Int("registrations", len(conns)))
	}
	return nil
}
