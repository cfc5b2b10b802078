// Package conversation holds the transcript of a realtime voice exchange.
package conversation

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

var (
	ErrCompleted   = errors.New("conversation is completed")
	ErrInvalidRole = errors.New("turn role must be user or assistant")
	ErrEmptyTurn   = errors.New("turn content is empty")
)

// Turn is immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an append-only list of turns plus free-form context.
type Conversation struct {
	mu        sync.RWMutex
	id        string
	status    Status
	turns     []Turn
	context   map[string]string
	startedAt time.Time
	now       func() time.Time
	entropy   *ulid.MonotonicEntropy
}

func New(now func() time.Time) *Conversation {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	c := &Conversation{
		status:  StatusActive,
		context: make(map[string]string),
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	c.startedAt = now()
	c.id = c.newID(c.startedAt)
	return c
}

func (c *Conversation) newID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), c.entropy).String()
}

func (c *Conversation) ID() string { return c.id }

func (c *Conversation) StartedAt() time.Time { return c.startedAt }

// Append adds a turn. Completed conversations reject new turns.
func (c *Conversation) Append(role Role, content string) (Turn, error) {
	if role != RoleUser && role != RoleAssistant {
		return Turn{}, ErrInvalidRole
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Turn{}, ErrEmptyTurn
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusCompleted {
		return Turn{}, ErrCompleted
	}
	at := c.now()
	turn := Turn{ID: c.newID(at), Role: role, Content: content, CreatedAt: at}
	c.turns = append(c.turns, turn)
	return turn, nil
}

// Turns returns a copy of the transcript in append order.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Recent returns the content of the last n user turns, oldest first.
func (c *Conversation) Recent(n int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for i := len(c.turns) - 1; i >= 0 && len(out) < n; i-- {
		if c.turns[i].Role == RoleUser {
			out = append(out, c.turns[i].Content)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (c *Conversation) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Conversation) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusActive {
		c.status = StatusPaused
	}
}

func (c *Conversation) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPaused {
		c.status = StatusActive
	}
}

// Complete is terminal.
func (c *Conversation) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusCompleted
}

func (c *Conversation) SetContext(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context[key] = value
}

func (c *Conversation) Context() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.context))
	for k, v := range c.context {
		out[k] = v
	}
	return out
}
