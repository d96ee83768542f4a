// Package partnership manages the pairing between a requester and the
// accountability partner who answers their requests.
package partnership

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const invitePrefix = "plinv_"

// Service manages the partnership lifecycle.
type Service struct {
	store storage.PartnershipStore
	clock clock.Clock
}

func NewService(store storage.PartnershipStore, clk clock.Clock) *Service {
	return &Service{store: store, clock: clk}
}

// Invite opens a pending partnership and returns the one-time invite code
// the approver uses to accept it. Only the code's hash is stored.
func (s *Service) Invite(ctx context.Context, requesterID, requesterName, approverEmail, approverName string) (*models.Partnership, string, error) {
	if _, err := s.store.ActivePartnershipForRequester(ctx, requesterID); err == nil {
		return nil, "", fmt.Errorf("%w: you already have an accountability partner", accesserr.ErrInvalidState)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating invite code: %w", err)
	}
	code := invitePrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock.Now().UTC()
	p := &models.Partnership{
		ID:            uuid.NewString(),
		RequesterID:   requesterID,
		RequesterName: requesterName,
		ApproverEmail: approverEmail,
		ApproverName:  approverName,
		Status:        models.PartnershipPending,
		InviteHash:    hashInvite(code),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePartnership(ctx, p); err != nil {
		return nil, "", fmt.Errorf("creating partnership: %w", err)
	}
	log.Info().Str("partnership_id", p.ID).Str("requester_id", requesterID).Msg("partner invited")
	return p, code, nil
}

// Accept activates the partnership behind code with approverID as the
// approver. overridePassword is optional; when given its bcrypt hash is kept
// so the requester can later prove they know it.
func (s *Service) Accept(ctx context.Context, code, approverID, approverName, overridePassword string) (*models.Partnership, error) {
	p, err := s.byInvite(ctx, code)
	if err != nil {
		return nil, err
	}
	if p.RequesterID == approverID {
		return nil, fmt.Errorf("%w: you cannot be your own partner", accesserr.ErrInvalidState)
	}

	now := s.clock.Now().UTC()
	p.ApproverID = approverID
	if approverName != "" {
		p.ApproverName = approverName
	}
	p.Status = models.PartnershipActive
	p.InviteHash = ""
	p.AcceptedAt = &now
	p.UpdatedAt = now
	if overridePassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(overridePassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing override password: %w", err)
		}
		p.PasswordHash = hash
	}

	if err := s.update(ctx, p, models.PartnershipPending); err != nil {
		return nil, err
	}
	log.Info().Str("partnership_id", p.ID).Str("approver_id", approverID).Msg("partnership accepted")
	return p, nil
}

// Reject declines the invitation behind code.
func (s *Service) Reject(ctx context.Context, code string) (*models.Partnership, error) {
	p, err := s.byInvite(ctx, code)
	if err != nil {
		return nil, err
	}
	p.Status = models.PartnershipRejected
	p.InviteHash = ""
	p.UpdatedAt = s.clock.Now().UTC()
	if err := s.update(ctx, p, models.PartnershipPending); err != nil {
		return nil, err
	}
	return p, nil
}

// Revoke ends a pending or active partnership. Either side may do it.
func (s *Service) Revoke(ctx context.Context, id, actorID string) (*models.Partnership, error) {
	p, err := s.store.GetPartnership(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, accesserr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !p.Involves(actorID) {
		return nil, accesserr.ErrForbidden
	}
	from := p.Status
	if from != models.PartnershipActive && from != models.PartnershipPending {
		return nil, fmt.Errorf("%w: partnership is %s", accesserr.ErrInvalidState, from)
	}
	p.Status = models.PartnershipRevoked
	p.InviteHash = ""
	p.UpdatedAt = s.clock.Now().UTC()
	if err := s.update(ctx, p, from); err != nil {
		return nil, err
	}
	log.Info().Str("partnership_id", p.ID).Str("actor_id", actorID).Msg("partnership revoked")
	return p, nil
}

// ActiveForRequester returns the requester's active partnership or
// accesserr.ErrNotFound.
func (s *Service) ActiveForRequester(ctx context.Context, requesterID string) (*models.Partnership, error) {
	p, err := s.store.ActivePartnershipForRequester(ctx, requesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, accesserr.ErrNotFound
	}
	return p, err
}

// ForPrincipal lists partnerships on either side of principalID, newest first.
func (s *Service) ForPrincipal(ctx context.Context, principalID string) ([]*models.Partnership, error) {
	return s.store.ListPartnershipsForPrincipal(ctx, principalID)
}

// VerifyOverridePassword checks password against the one the approver set
// on the requester's active partnership.
func (s *Service) VerifyOverridePassword(ctx context.Context, requesterID, password string) (bool, error) {
	p, err := s.ActiveForRequester(ctx, requesterID)
	if err != nil {
		return false, err
	}
	if len(p.PasswordHash) == 0 {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword(p.PasswordHash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) byInvite(ctx context.Context, code string) (*models.Partnership, error) {
	p, err := s.store.GetPartnershipByInvite(ctx, hashInvite(code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("invite code: %w", accesserr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != models.PartnershipPending {
		return nil, fmt.Errorf("%w: invitation is %s", accesserr.ErrInvalidState, p.Status)
	}
	return p, nil
}

func (s *Service) update(ctx context.Context, p *models.Partnership, from models.PartnershipStatus) error {
	err := s.store.UpdatePartnership(ctx, p, from)
	switch {
	case errors.Is(err, storage.ErrStatusConflict):
		return fmt.Errorf("%w: partnership changed concurrently", accesserr.ErrInvalidState)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%w: requester already has an accountability partner", accesserr.ErrInvalidState)
	case err != nil:
		return fmt.Errorf("updating partnership: %w", err)
	}
	return nil
}

func hashInvite(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}
