package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"flockcast/internal/registry"
	"flockcast/pkg/logx"
)

// recordingSender fails sends for the socket IDs in fail and records every
// payload it accepted, keyed by connection id.
type recordingSender struct {
	mu   sync.Mutex
	fail map[string]bool
	sent map[string][][]byte
}

func newRecordingSender(failSockets ...string) *recordingSender {
	fail := map[string]bool{}
	for _, s := range failSockets {
		fail[s] = true
	}
	return &recordingSender{fail: fail, sent: map[string][][]byte{}}
}

func (r *recordingSender) Send(_ context.Context, c registry.Connection, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[c.SocketID] {
		return errors.New("write failed")
	}
	r.sent[c.ID] = append(r.sent[c.ID], payload)
	return nil
}

func (r *recordingSender) eventsFor(t *testing.T, connID string) []Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, p := range r.sent[connID] {
		var ev Event
		if err := json.Unmarshal(p, &ev); err != nil {
			t.Fatalf("unmarshal recorded payload: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func setup(t *testing.T, sender *recordingSender, conns ...registry.Connection) (*Service, *registry.Memory) {
	t.Helper()
	reg := registry.NewMemory()
	for _, c := range conns {
		if err := reg.Register(context.Background(), c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return New(reg, sender, logx.Nop(), 0), reg
}

func TestDeliverFansOutToAllViewers(t *testing.T) {
	sender := newRecordingSender()
	svc, _ := setup(t, sender,
		registry.Connection{ID: "c1", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s1"},
		registry.Connection{ID: "c2", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s2"},
		registry.Connection{ID: "c3", ChurchID: "ch1", ConversationID: "conv2", SocketID: "s3"},
	)

	n, err := svc.Deliver(context.Background(), Event{
		ChurchID: "ch1", ConversationID: "conv1", Action: ActionMessage,
		Data: map[string]string{"body": "hello"},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	for _, id := range []string{"c1", "c2"} {
		evs := sender.eventsFor(t, id)
		if len(evs) != 1 || evs[0].Action != ActionMessage {
			t.Fatalf("connection %s: expected one message event, got %+v", id, evs)
		}
	}
	// Different conversation, must not receive anything.
	if evs := sender.eventsFor(t, "c3"); len(evs) != 0 {
		t.Fatalf("c3 should not receive conv1 traffic, got %+v", evs)
	}
}

// A dead connection is pruned, the rest of the batch still goes out, and the
// shrunken viewer set is re-broadcast to the survivors.
func TestDeliverPrunesFailedAndRebroadcastsAttendance(t *testing.T) {
	sender := newRecordingSender("s2")
	svc, reg := setup(t, sender,
		registry.Connection{ID: "c1", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s1"},
		registry.Connection{ID: "c2", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s2"},
		registry.Connection{ID: "c3", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s3"},
	)

	n, err := svc.Deliver(context.Background(), Event{
		ChurchID: "ch1", ConversationID: "conv1", Action: ActionMessage,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 successful deliveries, got %d", n)
	}

	active, err := reg.ListActive(context.Background(), "ch1", "conv1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected c2 pruned, active=%+v", active)
	}
	for _, c := range active {
		if c.ID == "c2" {
			t.Fatalf("c2 should have been pruned")
		}
	}

	// Survivors got the message plus one attendance event with the new count.
	evs := sender.eventsFor(t, "c1")
	if len(evs) != 2 {
		t.Fatalf("expected message + attendance for c1, got %+v", evs)
	}
	att := evs[1]
	if att.Action != ActionAttendance {
		t.Fatalf("expected attendance event, got %s", att.Action)
	}
	data, err := json.Marshal(att.Data)
	if err != nil {
		t.Fatalf("marshal attendance data: %v", err)
	}
	var payload AttendancePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal attendance data: %v", err)
	}
	if payload.TotalViewers != 2 {
		t.Fatalf("expected totalViewers=2 after prune, got %d", payload.TotalViewers)
	}
}

func TestDeliverEmptyConversation(t *testing.T) {
	sender := newRecordingSender()
	svc, _ := setup(t, sender)

	n, err := svc.Deliver(context.Background(), Event{
		ChurchID: "ch1", ConversationID: "conv1", Action: ActionMessage,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestBroadcastAttendanceCarriesViewers(t *testing.T) {
	sender := newRecordingSender()
	svc, _ := setup(t, sender,
		registry.Connection{ID: "c1", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s1", PersonID: "p1"},
		registry.Connection{ID: "c2", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s2"},
	)

	if err := svc.BroadcastAttendance(context.Background(), "ch1", "conv1"); err != nil {
		t.Fatalf("BroadcastAttendance: %v", err)
	}
	evs := sender.eventsFor(t, "c1")
	if len(evs) != 1 || evs[0].Action != ActionAttendance {
		t.Fatalf("expected one attendance event, got %+v", evs)
	}
	data, _ := json.Marshal(evs[0].Data)
	var payload AttendancePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal attendance data: %v", err)
	}
	if payload.TotalViewers != 2 || len(payload.Viewers) != 2 {
		t.Fatalf("unexpected attendance payload: %+v", payload)
	}
}

func TestHandleDisconnectRemovesAllRegistrations(t *testing.T) {
	sender := newRecordingSender()
	svc, reg := setup(t, sender,
		registry.Connection{ID: "c1", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s1"},
		registry.Connection{ID: "c2", ChurchID: "ch1", ConversationID: "conv2", SocketID: "s1"},
		registry.Connection{ID: "c3", ChurchID: "ch1", ConversationID: "conv1", SocketID: "s2"},
	)

	if err := svc.HandleDisconnect(context.Background(), "s1"); err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}

	if got, _ := reg.ListBySocketID(context.Background(), "s1"); len(got) != 0 {
		t.Fatalf("expected no registrations for s1, got %+v", got)
	}
	// The survivor in conv1 hears the new attendance.
	evs := sender.eventsFor(t, "c3")
	if len(evs) != 1 || evs[0].Action != ActionAttendance {
		t.Fatalf("expected attendance for c3, got %+v", evs)
	}
}
