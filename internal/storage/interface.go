package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/partnerlock/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrStatusConflict is returned when a compare-and-set finds a different
// status (or deadline) than the caller expected.
var ErrStatusConflict = errors.New("status changed concurrently")

// ErrGrantConflict is returned when inserting a grant for a requester that
// already has an unrevoked one, or a pending request for a requester whose
// access is live.
var ErrGrantConflict = errors.New("requester already holds an unrevoked grant")

// ErrPendingExists is returned when storing a pending request for a
// requester that already has one.
var ErrPendingExists = errors.New("requester already has a pending request")

// Window constrains a request transition relative to the request's answer deadline.
type Window int

const (
	// WindowAny ignores the deadline.
	WindowAny Window = iota
	// WindowOpen requires At <= ExpiresAt.
	WindowOpen
	// WindowClosed requires At > ExpiresAt.
	WindowClosed
)

// RequestTransition describes one compare-and-set on a request's status.
//
// The backend maintains the timestamp invariants: moving to approved or
// denied sets RespondedAt to At, moving to pending or consumed clears it,
// and moving to consumed sets ConsumedAt to At.
type RequestTransition struct {
	From   models.RequestStatus
	To     models.RequestStatus
	At     time.Time
	Window Window
}

// Allows reports whether the transition may be applied to r. Backends that
// cannot express the check in their query language use it directly.
func (t RequestTransition) Allows(r *models.AccessRequest) bool {
	if r.Status != t.From {
		return false
	}
	switch t.Window {
	case WindowOpen:
		return !t.At.After(r.ExpiresAt)
	case WindowClosed:
		return t.At.After(r.ExpiresAt)
	}
	return true
}

// Apply mutates r as the transition describes.
func (t RequestTransition) Apply(r *models.AccessRequest) {
	r.Status = t.To
	switch t.To {
	case models.StatusApproved, models.StatusDenied:
		at := t.At
		r.RespondedAt = &at
	case models.StatusPending:
		r.RespondedAt = nil
	case models.StatusConsumed:
		at := t.At
		r.RespondedAt = nil
		r.ConsumedAt = &at
	}
}

// RequestStore persists AccessRequests.
type RequestStore interface {
	// CreateRequest stores r, assigning r.ID when it is empty. A pending r is
	// only stored if, atomically with the insert, the requester has no other
	// pending request (ErrPendingExists) and no access live at r.CreatedAt
	// (ErrGrantConflict). An approved request whose grant is not stored yet
	// counts as live access.
	CreateRequest(ctx context.Context, r *models.AccessRequest) error
	GetRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	// TransitionRequest atomically applies t to the request with the given id.
	// When the request no longer matches t it returns the current record
	// together with ErrStatusConflict.
	TransitionRequest(ctx context.Context, id string, t RequestTransition) (*models.AccessRequest, error)
	// ListRequestsByApprover returns the approver's requests in the given
	// status, newest first.
	ListRequestsByApprover(ctx context.Context, approverID string, status models.RequestStatus, limit int) ([]*models.AccessRequest, error)
	// ListRequestsByRequester returns the requester's history, newest first.
	ListRequestsByRequester(ctx context.Context, requesterID string, limit int) ([]*models.AccessRequest, error)
	// ListOverduePending returns pending requests whose deadline is before now.
	ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*models.AccessRequest, error)
}

// GrantStore persists AccessGrants.
type GrantStore interface {
	// InsertGrant stores g. It returns ErrGrantConflict if the requester
	// already has an unrevoked grant, expired or not.
	InsertGrant(ctx context.Context, g *models.AccessGrant) error
	GetGrant(ctx context.Context, id string) (*models.AccessGrant, error)
	// UnrevokedGrant returns the requester's unrevoked grant, which may be
	// past its expiry if its timer has not fired yet.
	UnrevokedGrant(ctx context.Context, requesterID string) (*models.AccessGrant, error)
	// RevokeGrant marks the grant revoked. The bool reports whether this call
	// performed the change; revoking an already revoked grant is not an error.
	RevokeGrant(ctx context.Context, id string, at time.Time, reason models.RevokeReason) (*models.AccessGrant, bool, error)
	ListUnrevokedGrants(ctx context.Context) ([]*models.AccessGrant, error)
}

// PartnershipStore persists partnerships.
type PartnershipStore interface {
	CreatePartnership(ctx context.Context, p *models.Partnership) error
	GetPartnership(ctx context.Context, id string) (*models.Partnership, error)
	GetPartnershipByInvite(ctx context.Context, inviteHash string) (*models.Partnership, error)
	// ActivePartnershipForRequester returns the requester's active pairing.
	ActivePartnershipForRequester(ctx context.Context, requesterID string) (*models.Partnership, error)
	ListPartnershipsForPrincipal(ctx context.Context, principalID string) ([]*models.Partnership, error)
	// UpdatePartnership overwrites p if the stored status still equals from.
	UpdatePartnership(ctx context.Context, p *models.Partnership, from models.PartnershipStatus) error
}

// ChannelStore persists notification channels.
type ChannelStore interface {
	SetChannel(ctx context.Context, ch *models.NotificationChannel) error
	GetChannel(ctx context.Context, principalID string) (*models.NotificationChannel, error)
}

// TokenStore persists bearer tokens keyed by their hash.
type TokenStore interface {
	WriteToken(ctx context.Context, token *models.Token, tokenHash string) error
	GetToken(ctx context.Context, tokenHash string) (*models.Token, error)
	RevokeToken(ctx context.Context, tokenID string, at time.Time) error
}

// BlockListStore persists protected resource patterns.
type BlockListStore interface {
	SetBlockList(ctx context.Context, bl *models.BlockList) error
	GetBlockList(ctx context.Context, requesterID string) (*models.BlockList, error)
}

// AuditStore persists the audit trail.
type AuditStore interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
}

// StorageBackend defines the persistence interface for the service.
type StorageBackend interface {
	RequestStore
	GrantStore
	PartnershipStore
	ChannelStore
	TokenStore
	BlockListStore
	AuditStore

	// Metrics helpers
	CountPendingRequests(ctx context.Context) (int64, error)
	CountActiveGrants(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path        string
	PrincipalID string
	Since       *time.Time
	Limit       int
	Offset      int
}
