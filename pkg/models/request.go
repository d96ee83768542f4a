package models

import "time"

// RequestStatus is the lifecycle state of an AccessRequest.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusExpired  RequestStatus = "expired"
	StatusConsumed RequestStatus = "consumed"
)

// Valid reports whether s is one of the known request statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired, StatusConsumed:
		return true
	}
	return false
}

// Decision is the approver's answer to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Status returns the request status a decision resolves to.
func (d Decision) Status() RequestStatus {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusDenied
}

// AccessRequest is one ask-and-answer cycle between a requester and their approver.
type AccessRequest struct {
	ID              string        `json:"id"`
	RequesterID     string        `json:"requester_id"`
	RequesterName   string        `json:"requester_name"`
	ApproverID      string        `json:"approver_id"`
	Resource        string        `json:"resource,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	DurationMinutes int           `json:"duration_minutes"`
	Status          RequestStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	RespondedAt     *time.Time    `json:"responded_at,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	ConsumedAt      *time.Time    `json:"consumed_at,omitempty"`
}

// Duration returns the requested access window.
func (r *AccessRequest) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// PastAnswerWindow reports whether now is strictly after the answer deadline.
func (r *AccessRequest) PastAnswerWindow(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Actionable reports whether the approver can still answer the request at now.
func (r *AccessRequest) Actionable(now time.Time) bool {
	return r.Status == StatusPending && !r.PastAnswerWindow(now)
}
