package models

import "time"

// SessionRecord is the value stored under session:{id}. The identity snapshot
// travels only in Payload, sealed with the session id as associated data;
// the routing fields stay readable so a session can be unindexed without the key.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	LocalID      string    `json:"local_id"`
	ExternalID   string    `json:"external_id"`
	Payload      string    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// RateLimitWindow is a read-only view of one identity's sliding window
type RateLimitWindow struct {
	Key       string        `json:"key"`
	Limit     int           `json:"limit"`
	Count     int           `json:"count"`
	Remaining int           `json:"remaining"`
	Window    time.Duration `json:"window"`
	ResetIn   time.Duration `json:"reset_in"`
}
