// Package transport sends one payload to one connection.
//
// Two implementations exist: Local writes straight to an in-memory socket
// handle, Gateway issues a post-to-connection call against a cloud-managed
// websocket gateway. The active implementation is a process-wide choice made
// once at startup; callers never branch on the provider.
//
// A failed send means "this connection is unreachable" and nothing more; the
// dispatcher reacts by pruning, not by retrying.
package transport

import (
	"context"
	"errors"

	"flockcast/internal/registry"
)

var (
	ErrSocketClosed  = errors.New("transport: socket closed")
	ErrUnknownSocket = errors.New("transport: unknown socket")
)

type Sender interface {
	Send(ctx context.Context, c registry.Connection, payload []byte) error
}
