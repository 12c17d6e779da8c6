package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process registry used by the local delivery provider.
type Memory struct {
	mu sync.RWMutex
	// by connection id; secondary indexes are derived on read since the
	// active set per conversation stays small.
	conns map[string]Connection
}

func NewMemory() *Memory {
	return &Memory{conns: map[string]Connection{}}
}

func (m *Memory) Register(_ context.Context, c Connection) error {
	if err := validate(c); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListActive(_ context.Context, churchID, conversationID string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Connection
	for _, c := range m.conns {
		if c.ChurchID == churchID && c.ConversationID == conversationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ListBySocketID(_ context.Context, socketID string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Connection
	for _, c := range m.conns {
		if c.SocketID == socketID {
			out = append(out, c)
		}
	}
	return out, nil
}
