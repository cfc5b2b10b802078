package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/conversation"
	"github.com/AlexanderCGO2/flux-create-sub000/internal/policy"
)

// Recorder persists conversation turns with PII masked. Failures are logged
// and never interrupt the live conversation.
type Recorder struct {
	store     Store
	sessionID string
	timeout   time.Duration
	log       logrus.FieldLogger
}

func NewRecorder(store Store, sessionID string, log logrus.FieldLogger) *Recorder {
	return &Recorder{store: store, sessionID: sessionID, timeout: 3 * time.Second, log: log}
}

// Record stores one turn of conversationID.
func (r *Recorder) Record(conversationID string, turn conversation.Turn) {
	if r == nil || r.store == nil {
		return
	}
	content, redacted := policy.RedactPII(turn.Content)
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	err := r.store.SaveTurn(ctx, TurnRecord{
		ID:             turn.ID,
		ConversationID: conversationID,
		SessionID:      r.sessionID,
		Role:           string(turn.Role),
		Content:        content,
		PIIRedacted:    len(redacted) > 0,
		CreatedAt:      turn.CreatedAt,
	})
	if r.log == nil {
		return
	}
	if err != nil {
		r.log.WithError(err).WithField("conversation_id", conversationID).Warn("persist turn failed")
		return
	}
	if len(redacted) > 0 {
		r.log.WithFields(logrus.Fields{"conversation_id": conversationID, "redacted": redacted}).Debug("turn stored with masked content")
	}
}
