package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Durable persists registrations through a ConnectionStore so that any
// process (in particular a stateless gateway worker) can read the active set.
type Durable struct {
	store ConnectionStore
}

func NewDurable(store ConnectionStore) *Durable {
	return &Durable{store: store}
}

func (d *Durable) Register(ctx context.Context, c Connection) error {
	if err := validate(c); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return d.store.InsertConnection(ctx, c)
}

// Unregister deletes the row. Deleting an absent row is a no-op at the SQL
// level, which gives the idempotency the dispatcher relies on.
func (d *Durable) Unregister(ctx context.Context, id string) error {
	return d.store.DeleteConnection(ctx, id)
}

func (d *Durable) ListActive(ctx context.Context, churchID, conversationID string) ([]Connection, error) {
	return d.store.ListConnections(ctx, churchID, conversationID)
}

func (d *Durable) ListBySocketID(ctx context.Context, socketID string) ([]Connection, error) {
	return d.store.ListConnectionsBySocket(ctx, socketID)
}
