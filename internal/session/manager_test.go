package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "alloy", "")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Voice != "alloy" || got.Mode != ModeCommand || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.End("missing"); err != ErrNotFound {
		t.Fatalf("End(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCreateEndsPreviousUserSession(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("u1", "", ModeCommand)
	second := m.Create("u1", "", ModeConversation)

	got, _ := m.Get(first.ID)
	if got.Status != StatusEnded {
		t.Fatalf("first Status = %q, want %q", got.Status, StatusEnded)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	got, _ = m.Get(second.ID)
	if got.Mode != ModeConversation {
		t.Fatalf("Mode = %q, want %q", got.Mode, ModeConversation)
	}
}

func TestManagerTracksModeConversationAndCommands(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "", "")
	if err := m.SetMode(s.ID, ModeConversation); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if err := m.SetConversation(s.ID, "conv-1"); err != nil {
		t.Fatalf("SetConversation() error = %v", err)
	}
	_ = m.RecordCommand(s.ID)
	_ = m.RecordCommand(s.ID)

	got, _ := m.Get(s.ID)
	if got.Mode != ModeConversation || got.ConversationID != "conv-1" || got.CommandCount != 2 {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if err := m.RecordCommand("missing"); err != ErrNotFound {
		t.Fatalf("RecordCommand(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerExpiresInactiveAndRunsHook(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	m := NewManager(time.Minute)
	m.now = func() time.Time { return now }

	var mu sync.Mutex
	var expired []string
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	idle := m.Create("u1", "", "")
	busy := m.Create("u2", "", "")
	now = now.Add(45 * time.Second)
	_ = m.Touch(busy.ID)
	now = now.Add(30 * time.Second)
	m.expireInactive()

	if got, _ := m.Get(idle.ID); got.Status != StatusEnded {
		t.Fatalf("idle Status = %q, want %q", got.Status, StatusEnded)
	}
	if got, _ := m.Get(busy.ID); got.Status != StatusActive {
		t.Fatalf("busy Status = %q, want %q", got.Status, StatusActive)
	}
	mu.Lock()
	if len(expired) != 1 || expired[0] != idle.ID {
		t.Fatalf("expired = %v, want [%s]", expired, idle.ID)
	}
	mu.Unlock()

	now = now.Add(2 * time.Minute)
	m.expireInactive()
	if _, err := m.Get(idle.ID); err != ErrNotFound {
		t.Fatalf("Get(idle) after second sweep error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Get(s.ID)
		if err == ErrNotFound || (err == nil && got.Status == StatusEnded) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session was not expired by the janitor")
}
