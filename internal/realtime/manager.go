package realtime

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager keeps at most one open Client. Opening a new session closes the
// previous one first.
type Manager struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	current *Client
}

func NewManager(cfg Config, log logrus.FieldLogger) *Manager {
	return &Manager{cfg: cfg, log: log}
}

// Open closes any current session and connects a new one. On failure no
// session is current.
func (m *Manager) Open(ctx context.Context, sink AudioSink, tools ToolExecutor) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		_ = m.current.Close()
		m.current = nil
	}
	client := NewClient(m.cfg, sink, tools, m.log)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	m.current = client
	return client, nil
}

// Current returns the open client, or nil.
func (m *Manager) Current() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.State() == StateClosed {
		m.current = nil
	}
	return m.current
}

// CloseIf closes c only when it is still the current client.
func (m *Manager) CloseIf(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil || m.current != c {
		return
	}
	_ = c.Close()
	m.current = nil
}

// Close ends the current session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
