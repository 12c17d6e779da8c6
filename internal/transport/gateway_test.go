package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flockcast/internal/registry"
)

func testConn(socketID string) registry.Connection {
	return registry.Connection{
		ID:             "c1",
		ChurchID:       "ch1",
		ConversationID: "conv1",
		SocketID:       socketID,
	}
}

func TestGatewaySendPostsToConnectionPath(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGateway(GatewayOptions{Endpoint: srv.URL, APIKey: "secret"})
	err := g.Send(context.Background(), testConn("sock-1"), []byte(`{"action":"message"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/connections/sock-1" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody != `{"action":"message"}` {
		t.Fatalf("body = %q", gotBody)
	}
}

// 410 means the gateway already dropped the connection. The caller only needs
// to know the send failed; the dispatcher prunes on any failure.
func TestGatewaySendGoneIsPlainFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	g := NewGateway(GatewayOptions{Endpoint: srv.URL, BaseDelay: time.Millisecond})
	if err := g.Send(context.Background(), testConn("sock-1"), []byte("{}")); err == nil {
		t.Fatalf("expected failure for 410")
	}
}

func TestGatewaySendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGateway(GatewayOptions{Endpoint: srv.URL, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	if err := g.Send(context.Background(), testConn("sock-1"), []byte("{}")); err != nil {
		t.Fatalf("Send after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

type fakeSocket struct {
	payloads [][]byte
	err      error
}

func (f *fakeSocket) Write(_ context.Context, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestLocalSendUnknownSocket(t *testing.T) {
	l := NewLocal()
	err := l.Send(context.Background(), testConn("missing"), []byte("{}"))
	if !errors.Is(err, ErrUnknownSocket) {
		t.Fatalf("expected ErrUnknownSocket, got %v", err)
	}
}

func TestLocalSendAfterForgetFails(t *testing.T) {
	l := NewLocal()
	s := &fakeSocket{}
	l.Attach("sock-1", s)

	if err := l.Send(context.Background(), testConn("sock-1"), []byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	l.Forget("sock-1")
	if err := l.Send(context.Background(), testConn("sock-1"), []byte("b")); !errors.Is(err, ErrUnknownSocket) {
		t.Fatalf("expected ErrUnknownSocket after Forget, got %v", err)
	}
	if len(s.payloads) != 1 {
		t.Fatalf("expected exactly one delivered payload, got %d", len(s.payloads))
	}
}
