package models

import "time"

// RevokeReason records why a grant stopped being active.
type RevokeReason string

const (
	RevokeExpired           RevokeReason = "expired"
	RevokeManualEarlyRevoke RevokeReason = "manual_early_revoke"
)

// AccessGrant is one temporary-access window. It shares its ID with the
// AccessRequest that produced it.
type AccessGrant struct {
	ID              string       `json:"id"`
	RequesterID     string       `json:"requester_id"`
	ApproverID      string       `json:"approver_id"`
	Resource        string       `json:"resource,omitempty"`
	DurationMinutes int          `json:"duration_minutes"`
	ActivatedAt     time.Time    `json:"activated_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	Revoked         bool         `json:"revoked"`
	RevokedAt       *time.Time   `json:"revoked_at,omitempty"`
	RevokeReason    RevokeReason `json:"revoke_reason,omitempty"`
}

// ActiveAt reports whether the grant still unlocks access at now.
func (g *AccessGrant) ActiveAt(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// AccessState is what the enforcement side needs to know about a requester.
type AccessState struct {
	RequesterID string     `json:"requester_id"`
	Active      bool       `json:"active"`
	GrantID     string     `json:"grant_id,omitempty"`
	Resource    string     `json:"resource,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}
