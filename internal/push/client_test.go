package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPProviderParsesReceipts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msgs []Message
		if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := providerResponse{Data: []providerReceipt{
			{Status: "ok", ID: "id-1"},
			{Status: "error", Message: "DeviceNotRegistered"},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderOptions{Endpoint: srv.URL})
	tickets, err := p.SendChunk(context.Background(), []Message{
		{To: "tok-1", Title: "t"},
		{To: "tok-2", Title: "t"},
	})
	if err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(tickets))
	}
	if !tickets[0].OK || tickets[0].ID != "id-1" {
		t.Fatalf("unexpected first ticket: %+v", tickets[0])
	}
	if tickets[1].OK || tickets[1].Err != "DeviceNotRegistered" {
		t.Fatalf("unexpected second ticket: %+v", tickets[1])
	}
}

func TestHTTPProviderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(providerResponse{Data: []providerReceipt{{Status: "ok", ID: "id-1"}}})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderOptions{
		Endpoint:  srv.URL,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	})
	tickets, err := p.SendChunk(context.Background(), []Message{{To: "tok-1"}})
	if err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if len(tickets) != 1 || !tickets[0].OK {
		t.Fatalf("unexpected tickets: %+v", tickets)
	}
}

func TestHTTPProviderClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPProviderOptions{Endpoint: srv.URL, BaseDelay: time.Millisecond})
	if _, err := p.SendChunk(context.Background(), []Message{{To: "tok-1"}}); err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry on 400, got %d attempts", calls.Load())
	}
}
