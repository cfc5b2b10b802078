package memory

import (
	"context"
	"time"
)

// TurnRecord stores a single user or assistant turn of a voice conversation.
type TurnRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
	Close() error
}
