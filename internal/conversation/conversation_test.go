package conversation

import (
	"errors"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestAppendKeepsOrder(t *testing.T) {
	c := New(fixedClock())
	if _, err := c.Append(RoleUser, "make it brighter"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := c.Append(RoleAssistant, "Done, brightened."); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	turns := c.Turns()
	if len(turns) != 2 {
		t.Fatalf("len(Turns()) = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Fatalf("roles = %s,%s, want user,assistant", turns[0].Role, turns[1].Role)
	}
	if turns[0].ID == turns[1].ID || turns[0].ID >= turns[1].ID {
		t.Fatalf("ids not increasing: %s, %s", turns[0].ID, turns[1].ID)
	}

	// returned slice is a copy
	turns[0].Content = "mutated"
	if c.Turns()[0].Content != "make it brighter" {
		t.Fatalf("Turns() exposed internal state")
	}
}

func TestAppendValidation(t *testing.T) {
	c := New(nil)
	if _, err := c.Append("system", "x"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("Append(system) error = %v, want ErrInvalidRole", err)
	}
	if _, err := c.Append(RoleUser, "   "); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("Append(blank) error = %v, want ErrEmptyTurn", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	c := New(nil)
	if c.Status() != StatusActive {
		t.Fatalf("Status() = %s, want active", c.Status())
	}
	c.Pause()
	if c.Status() != StatusPaused {
		t.Fatalf("Status() = %s, want paused", c.Status())
	}
	c.Resume()
	c.Complete()
	c.Resume()
	if c.Status() != StatusCompleted {
		t.Fatalf("Status() = %s, want completed", c.Status())
	}
	if _, err := c.Append(RoleUser, "hello"); !errors.Is(err, ErrCompleted) {
		t.Fatalf("Append after Complete error = %v, want ErrCompleted", err)
	}
}

func TestRecentUserTurns(t *testing.T) {
	c := New(fixedClock())
	for _, s := range []string{"one", "two", "three"} {
		_, _ = c.Append(RoleUser, s)
		_, _ = c.Append(RoleAssistant, "ok")
	}
	got := c.Recent(2)
	if len(got) != 2 || got[0] != "two" || got[1] != "three" {
		t.Fatalf("Recent(2) = %v, want [two three]", got)
	}
}

func TestContextCopy(t *testing.T) {
	c := New(nil)
	c.SetContext("canvas", "portrait")
	ctx := c.Context()
	ctx["canvas"] = "x"
	if c.Context()["canvas"] != "portrait" {
		t.Fatalf("Context() exposed internal map")
	}
}
