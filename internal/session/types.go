package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	Voice  string `json:"voice" validate:"omitempty,oneof=alloy ash ballad coral echo fable nova onyx sage shimmer verse"`
	Mode   Mode   `json:"mode" validate:"omitempty,oneof=command conversation"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Voice           string    `json:"voice"`
	Mode            Mode      `json:"mode"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
