package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"flockcast/internal/registry"
	"flockcast/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestConversationAndMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.UpsertConversation(ctx, Conversation{ID: "conv1", ChurchID: "ch1", Title: "Youth Group"}); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	if _, err := st.LoadConversation(ctx, "ch1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	m1, err := st.SaveMessage(ctx, Message{ChurchID: "ch1", ConversationID: "conv1", PersonID: "p1", Body: "first"})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	time.Sleep(2 * time.Millisecond) // created_at has millisecond resolution
	m2, err := st.SaveMessage(ctx, Message{ChurchID: "ch1", ConversationID: "conv1", PersonID: "p2", Body: "second"})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	if err := st.UpdateConversationStats(ctx, "conv1"); err != nil {
		t.Fatalf("UpdateConversationStats: %v", err)
	}
	conv, err := st.LoadConversation(ctx, "ch1", "conv1")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if conv.FirstPostID != m1.ID || conv.LastPostID != m2.ID {
		t.Fatalf("stats: first=%s last=%s, want first=%s last=%s",
			conv.FirstPostID, conv.LastPostID, m1.ID, m2.ID)
	}

	// Deleting the last message moves the pointer back.
	if err := st.DeleteMessage(ctx, "ch1", "conv1", m2.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := st.UpdateConversationStats(ctx, "conv1"); err != nil {
		t.Fatalf("UpdateConversationStats: %v", err)
	}
	conv, err = st.LoadConversation(ctx, "ch1", "conv1")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if conv.LastPostID != m1.ID {
		t.Fatalf("expected last post %s after delete, got %s", m1.ID, conv.LastPostID)
	}
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for _, p := range []string{"p1", "p2", "p3"} {
		if err := st.AddParticipant(ctx, "ch1", "conv1", p); err != nil {
			t.Fatalf("AddParticipant: %v", err)
		}
	}
	got, err := st.ListParticipants(ctx, "ch1", "conv1")
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(got) != 3 || got[0] != "p1" || got[2] != "p3" {
		t.Fatalf("unexpected participants: %v", got)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	exists, err := st.HasUnreadNotification(ctx, "ch1", "p1", "message", "conv1")
	if err != nil {
		t.Fatalf("HasUnreadNotification: %v", err)
	}
	if exists {
		t.Fatalf("expected no unread notification yet")
	}

	n, err := st.CreateNotification(ctx, Notification{
		ChurchID: "ch1", PersonID: "p1", ContentType: "message", ContentID: "conv1",
		IsNew: true, Message: "hi", Link: "/churches/ch1/conversations/conv1",
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if n.ID == "" {
		t.Fatalf("expected generated id")
	}

	exists, err = st.HasUnreadNotification(ctx, "ch1", "p1", "message", "conv1")
	if err != nil {
		t.Fatalf("HasUnreadNotification: %v", err)
	}
	if !exists {
		t.Fatalf("expected unread notification")
	}

	if err := st.MarkNotificationRead(ctx, "ch1", n.ID); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	exists, err = st.HasUnreadNotification(ctx, "ch1", "p1", "message", "conv1")
	if err != nil {
		t.Fatalf("HasUnreadNotification: %v", err)
	}
	if exists {
		t.Fatalf("read notification must not count as unread")
	}

	if err := st.MarkNotificationRead(ctx, "ch1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestPendingSelectionWindowAndStamping(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	if err := st.UpsertPreference(ctx, Preference{ChurchID: "ch1", PersonID: "p1", EmailFrequency: FreqIndividual}); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}
	if err := st.UpsertPreference(ctx, Preference{ChurchID: "ch1", PersonID: "p2", EmailFrequency: FreqDaily}); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}

	// Inside the 30m window, individual tier.
	in, err := st.CreateNotification(ctx, Notification{
		ChurchID: "ch1", PersonID: "p1", ContentType: "message", ContentID: "conv1",
		IsNew: true, TimeSent: now.Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	// Outside the window.
	if _, err := st.CreateNotification(ctx, Notification{
		ChurchID: "ch1", PersonID: "p1", ContentType: "message", ContentID: "conv2",
		IsNew: true, TimeSent: now.Add(-40 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	// Wrong tier.
	if _, err := st.CreateNotification(ctx, Notification{
		ChurchID: "ch1", PersonID: "p2", ContentType: "message", ContentID: "conv1",
		IsNew: true, TimeSent: now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	// Already delivered by push.
	if _, err := st.CreateNotification(ctx, Notification{
		ChurchID: "ch1", PersonID: "p1", ContentType: "message", ContentID: "conv3",
		IsNew: true, TimeSent: now.Add(-5 * time.Minute), DeliveryMethod: MethodPush,
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	got, err := st.ListPendingByFrequency(ctx, FreqIndividual, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListPendingByFrequency: %v", err)
	}
	if len(got) != 1 || got[0].ID != in.ID {
		t.Fatalf("expected only the in-window pending row, got %+v", got)
	}

	if err := st.SetDeliveryMethod(ctx, []string{in.ID}, MethodEmail); err != nil {
		t.Fatalf("SetDeliveryMethod: %v", err)
	}
	got, err = st.ListPendingByFrequency(ctx, FreqIndividual, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListPendingByFrequency: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stamped row must not be selected again, got %+v", got)
	}
}

func TestSetDeliveryMethodDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.UpsertPreference(ctx, Preference{ChurchID: "ch1", PersonID: "p1", EmailFrequency: FreqIndividual}); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}
	n, err := st.CreateNotification(ctx, Notification{
		ChurchID: "ch1", PersonID: "p1", ContentType: "message", ContentID: "conv1",
		IsNew: true, DeliveryMethod: MethodPush,
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if err := st.SetDeliveryMethod(ctx, []string{n.ID}, MethodEmail); err != nil {
		t.Fatalf("SetDeliveryMethod: %v", err)
	}
	// The push stamp must survive.
	got, err := st.ListPendingByFrequency(ctx, FreqIndividual, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListPendingByFrequency: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("row with a method must never be pending, got %+v", got)
	}
}

func TestPreferencesAndDevices(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.LoadPreference(ctx, "ch1", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.UpsertPreference(ctx, Preference{ChurchID: "ch1", PersonID: "p1", AllowPush: true, EmailFrequency: FreqDaily}); err != nil {
		t.Fatalf("UpsertPreference: %v", err)
	}
	p, err := st.LoadPreference(ctx, "ch1", "p1")
	if err != nil {
		t.Fatalf("LoadPreference: %v", err)
	}
	if !p.AllowPush || p.EmailFrequency != FreqDaily {
		t.Fatalf("unexpected preference: %+v", p)
	}

	if err := st.UpsertDevice(ctx, Device{ChurchID: "ch1", PersonID: "p1", Token: "tok-1"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := st.UpsertDevice(ctx, Device{ChurchID: "ch1", PersonID: "p1", Token: "tok-2"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	devices, err := st.ListDevices(ctx, "ch1", "p1")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
}

func TestConnectionBacking(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	reg := registry.NewDurable(st)

	for _, c := range []registry.Connection{
		{ChurchID: "ch1", ConversationID: "conv1", SocketID: "s1", PersonID: "p1"},
		{ChurchID: "ch1", ConversationID: "conv1", SocketID: "s2"},
		{ChurchID: "ch1", ConversationID: "conv2", SocketID: "s1"},
	} {
		if err := reg.Register(ctx, c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	active, err := reg.ListActive(ctx, "ch1", "conv1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}

	bySocket, err := reg.ListBySocketID(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBySocketID: %v", err)
	}
	if len(bySocket) != 2 {
		t.Fatalf("expected 2 registrations for s1, got %d", len(bySocket))
	}

	if err := reg.Unregister(ctx, active[0].ID); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	// Absent row, still a no-op.
	if err := reg.Unregister(ctx, active[0].ID); err != nil {
		t.Fatalf("Unregister absent: %v", err)
	}
	active, err = reg.ListActive(ctx, "ch1", "conv1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active after unregister, got %d", len(active))
	}
}
