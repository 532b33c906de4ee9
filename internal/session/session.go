package session

import "time"

const schemaVersion = 1

// Session is the persisted server-side session record.
type Session struct {
	SchemaVersion int            `json:"schema_version"`
	ID            string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	Email         string         `json:"email"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	LastAccessed  time.Time      `json:"last_accessed"`
	// TTLSeconds is the sliding window applied on each read.
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (s *Session) ttl() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}
