package models

import "time"

// Token is an opaque bearer credential bound to one principal.
type Token struct {
	ID          string        `json:"id"`
	PrincipalID string        `json:"principal_id"`
	DisplayName string        `json:"display_name"`
	Admin       bool          `json:"admin"`
	TTL         time.Duration `json:"ttl"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at,omitempty"`
	RevokedAt   *time.Time    `json:"revoked_at,omitempty"`
}

// IsExpired returns true if the token has passed its expiry time.
func (t *Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// IsRevoked returns true if the token has been revoked.
func (t *Token) IsRevoked() bool {
	return t.RevokedAt != nil
}
