// Package httpapi exposes the delivery subsystem over HTTP: a health probe,
// the websocket endpoint for local deployments, the message fan-out entry
// points, and the gateway disconnect webhook.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"flockcast/internal/delivery"
	"flockcast/internal/registry"
	"flockcast/internal/storage"
	"flockcast/internal/transport"
	"flockcast/pkg/logx"
)

// Dispatcher is the delivery surface the handlers need; *delivery.Service
// satisfies it.
type Dispatcher interface {
	Deliver(ctx context.Context, ev delivery.Event) (int, error)
	Announce(ctx context.Context, c registry.Connection) error
	BroadcastAttendance(ctx context.Context, churchID, conversationID string) error
	HandleDisconnect(ctx context.Context, socketID string) error
}

// Escalator turns a persisted message into notifications for absent
// participants.
type Escalator interface {
	CheckShouldNotify(ctx context.Context, conv storage.Conversation, msg storage.Message, actingPersonID string) error
}

// Store is the persistence surface the handlers need.
type Store interface {
	LoadConversation(ctx context.Context, churchID, id string) (storage.Conversation, error)
	SaveMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	DeleteMessage(ctx context.Context, churchID, conversationID, id string) error
	UpdateConversationStats(ctx context.Context, conversationID string) error
	MarkNotificationRead(ctx context.Context, churchID, id string) error
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	opts       Options
	log        logx.Logger
	reg        registry.Registry
	dispatcher Dispatcher
	escalator  Escalator
	store      Store

	// local is non-nil only for the local provider; it gates the /ws route.
	local *transport.Local

	srv *http.Server
}

func New(opts Options, log logx.Logger, reg registry.Registry, dispatcher Dispatcher, escalator Escalator, store Store, local *transport.Local) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	s := &Server{
		opts:       opts,
		log:        log,
		reg:        reg,
		dispatcher: dispatcher,
		escalator:  escalator,
		store:      store,
		local:      local,
	}
	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.routes(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.local != nil {
		mux.HandleFunc("GET /ws", s.handleWebsocket)
	}
	mux.HandleFunc("POST /v1/churches/{churchId}/conversations/{conversationId}/messages", s.handlePostMessage)
	mux.HandleFunc("DELETE /v1/churches/{churchId}/conversations/{conversationId}/messages/{messageId}", s.handleDeleteMessage)
	mux.HandleFunc("POST /v1/churches/{churchId}/conversations/{conversationId}/blocked-ips", s.handleBlockedIP)
	mux.HandleFunc("POST /v1/churches/{churchId}/notifications/{notificationId}/read", s.handleMarkRead)
	mux.HandleFunc("POST /v1/internal/disconnect", s.handleDisconnect)
	return mux
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens in the background. The returned channel yields the listener
// error, or nil after a clean Shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.opts.Addr))
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
