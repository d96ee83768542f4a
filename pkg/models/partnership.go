package models

import "time"

// PartnershipStatus is the state of a requester/approver pairing.
type PartnershipStatus string

const (
	PartnershipPending  PartnershipStatus = "pending"
	PartnershipActive   PartnershipStatus = "active"
	PartnershipRejected PartnershipStatus = "rejected"
	PartnershipRevoked  PartnershipStatus = "revoked"
)

// Partnership pairs exactly one requester with one approver.
type Partnership struct {
	ID            string            `json:"id"`
	RequesterID   string            `json:"requester_id"`
	RequesterName string            `json:"requester_name"`
	ApproverID    string            `json:"approver_id,omitempty"`
	ApproverEmail string            `json:"approver_email"`
	ApproverName  string            `json:"approver_name"`
	Status        PartnershipStatus `json:"status"`
	InviteHash    string            `json:"-"`
	PasswordHash  []byte            `json:"-"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	AcceptedAt    *time.Time        `json:"accepted_at,omitempty"`
}

// IsActive reports whether requests may currently be raised under p.
func (p *Partnership) IsActive() bool {
	return p != nil && p.Status == PartnershipActive
}

// Involves reports whether principalID is either side of the partnership.
func (p *Partnership) Involves(principalID string) bool {
	return principalID != "" && (p.RequesterID == principalID || p.ApproverID == principalID)
}

// ChannelKind names a notification transport.
type ChannelKind string

const (
	ChannelRedis   ChannelKind = "redis"
	ChannelWebhook ChannelKind = "webhook"
	ChannelLog     ChannelKind = "log"
)

// NotificationChannel is where a principal wants to receive notices.
type NotificationChannel struct {
	PrincipalID string      `json:"principal_id"`
	Kind        ChannelKind `json:"kind"`
	Address     string      `json:"address"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
