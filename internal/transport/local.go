package transport

import (
	"context"
	"sync"

	"nhooyr.io/websocket"

	"flockcast/internal/registry"
)

// Socket is a live writable channel to one client. The websocket handler
// attaches one per accepted connection; tests attach fakes.
type Socket interface {
	Write(ctx context.Context, payload []byte) error
}

// Local holds actual in-memory socket handles, keyed by socket ID. Send
// writes directly if the socket is still attached and open, otherwise it
// reports failure.
type Local struct {
	mu    sync.RWMutex
	socks map[string]Socket
}

func NewLocal() *Local {
	return &Local{socks: map[string]Socket{}}
}

func (l *Local) Attach(socketID string, s Socket) {
	l.mu.Lock()
	l.socks[socketID] = s
	l.mu.Unlock()
}

func (l *Local) Forget(socketID string) {
	l.mu.Lock()
	delete(l.socks, socketID)
	l.mu.Unlock()
}

func (l *Local) Send(ctx context.Context, c registry.Connection, payload []byte) error {
	l.mu.RLock()
	s, ok := l.socks[c.SocketID]
	l.mu.RUnlock()
	if !ok {
		return ErrUnknownSocket
	}
	return s.Write(ctx, payload)
}

// WSSocket adapts a websocket connection to the Socket interface.
type WSSocket struct {
	conn *websocket.Conn
}

func NewWSSocket(conn *websocket.Conn) *WSSocket {
	return &WSSocket{conn: conn}
}

func (s *WSSocket) Write(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, payload)
}
