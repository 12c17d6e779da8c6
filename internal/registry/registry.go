// Package registry tracks which live connections are watching which
// conversation.
//
// A Connection is ephemeral: it is created when a client opens a channel and
// announces interest in a conversation, and destroyed on explicit disconnect,
// transport-detected close, or failed-delivery pruning. The registry is the
// only component that mutates connection state.
//
// Two backings exist behind the same interface: an in-memory map for
// single-instance deployments, and a store-backed table for the managed
// gateway deployment where delivery happens from stateless workers.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidRegistration is returned when a connection is registered
	// without a church or conversation scope.
	ErrInvalidRegistration = errors.New("registry: connection is missing churchId or conversationId")
)

// Connection is one live channel watching one conversation.
// PersonID may be empty: anonymous viewers are allowed.
type Connection struct {
	ID             string    `json:"id" db:"id"`
	ChurchID       string    `json:"churchId" db:"church_id"`
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	SocketID       string    `json:"socketId" db:"socket_id"`
	PersonID       string    `json:"personId,omitempty" db:"person_id"`
	CreatedAt      time.Time `json:"-" db:"-"`
}

// Registry is safe for concurrent use. Unregister is idempotent: removing an
// already-absent connection is a no-op, not an error.
type Registry interface {
	Register(ctx context.Context, c Connection) error
	Unregister(ctx context.Context, id string) error
	ListActive(ctx context.Context, churchID, conversationID string) ([]Connection, error)

	// ListBySocketID returns every registration held by one physical socket.
	// In the current design a socket watches exactly one conversation, but
	// the lookup supports the general case.
	ListBySocketID(ctx context.Context, socketID string) ([]Connection, error)
}

// ConnectionStore is the persistence surface the store-backed registry
// needs. *storage.Store satisfies it.
type ConnectionStore interface {
	InsertConnection(ctx context.Context, c Connection) error
	DeleteConnection(ctx context.Context, id string) error
	ListConnections(ctx context.Context, churchID, conversationID string) ([]Connection, error)
	ListConnectionsBySocket(ctx context.Context, socketID string) ([]Connection, error)
}

func validate(c Connection) error {
	if c.ChurchID == "" || c.ConversationID == "" {
		return ErrInvalidRegistration
	}
	return nil
}
