package models

import "time"

// AuditEntry records a single request or state-transition event.
type AuditEntry struct {
	ID             int64          `json:"id"`
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	PrincipalID    string         `json:"principal_id,omitempty"`
	Operation      string         `json:"operation"`
	Path           string         `json:"path"`
	Status         string         `json:"status"`
	ResponseCode   int            `json:"response_code,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms,omitempty"`
	ClientIP       string         `json:"client_ip,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// BlockList is the set of protected resource patterns for one requester.
// Patterns use the same glob forms as path rules: "*" for one segment,
// "**" for any number of segments, and a bare "*" for everything.
type BlockList struct {
	RequesterID string    `json:"requester_id"`
	Patterns    []string  `json:"patterns"`
	UpdatedAt   time.Time `json:"updated_at"`
}
