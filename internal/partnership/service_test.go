package partnership

import (
	"context"
	"testing"
	"time"

	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() *Service {
	return NewService(storage.NewMemoryBackend(), clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func TestInviteAcceptFlow(t *testing.T) {
	s := newService()
	ctx := context.Background()

	p, code, err := s.Invite(ctx, "alice", "Alice", "bob@example.com", "Bob")
	require.NoError(t, err)
	assert.Equal(t, models.PartnershipPending, p.Status)
	assert.NotEqual(t, code, p.InviteHash)

	_, err = s.ActiveForRequester(ctx, "alice")
	require.ErrorIs(t, err, accesserr.ErrNotFound)

	accepted, err := s.Accept(ctx, code, "bob", "", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, models.PartnershipActive, accepted.Status)
	assert.Equal(t, "Bob", accepted.ApproverName)
	require.NotNil(t, accepted.AcceptedAt)

	active, err := s.ActiveForRequester(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", active.ApproverID)

	// Invite codes are single use.
	_, err = s.Accept(ctx, code, "carol", "", "")
	assert.ErrorIs(t, err, accesserr.ErrNotFound)
}

func TestOverridePassword(t *testing.T) {
	s := newService()
	ctx := context.Background()

	_, code, err := s.Invite(ctx, "alice", "Alice", "bob@example.com", "Bob")
	require.NoError(t, err)
	_, err = s.Accept(ctx, code, "bob", "Bob", "hunter2")
	require.NoError(t, err)

	ok, err := s.VerifyOverridePassword(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyOverridePassword(ctx, "alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCannotPartnerWithSelf(t *testing.T) {
	s := newService()
	_, code, err := s.Invite(context.Background(), "alice", "Alice", "a@example.com", "Alice")
	require.NoError(t, err)

	_, err = s.Accept(context.Background(), code, "alice", "", "")
	assert.ErrorIs(t, err, accesserr.ErrInvalidState)
}

func TestOneActivePartnershipPerRequester(t *testing.T) {
	s := newService()
	ctx := context.Background()

	_, first, err := s.Invite(ctx, "alice", "Alice", "bob@example.com", "Bob")
	require.NoError(t, err)
	_, second, err := s.Invite(ctx, "alice", "Alice", "carol@example.com", "Carol")
	require.NoError(t, err)

	_, err = s.Accept(ctx, first, "bob", "", "")
	require.NoError(t, err)
	_, err = s.Accept(ctx, second, "carol", "", "")
	assert.ErrorIs(t, err, accesserr.ErrInvalidState)

	_, _, err = s.Invite(ctx, "alice", "Alice", "dave@example.com", "Dave")
	assert.ErrorIs(t, err, accesserr.ErrInvalidState)
}

func TestRejectInvite(t *testing.T) {
	s := newService()
	ctx := context.Background()

	_, code, err := s.Invite(ctx, "alice", "Alice", "bob@example.com", "Bob")
	require.NoError(t, err)

	p, err := s.Reject(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, models.PartnershipRejected, p.Status)

	_, err = s.Accept(ctx, code, "bob", "", "")
	assert.ErrorIs(t, err, accesserr.ErrNotFound)
}

func TestRevokePartnership(t *testing.T) {
	s := newService()
	ctx := context.Background()

	p, code, err := s.Invite(ctx, "alice", "Alice", "bob@example.com", "Bob")
	require.NoError(t, err)
	_, err = s.Accept(ctx, code, "bob", "", "")
	require.NoError(t, err)

	_, err = s.Revoke(ctx, p.ID, "mallory")
	assert.ErrorIs(t, err, accesserr.ErrForbidden)

	revoked, err := s.Revoke(ctx, p.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.PartnershipRevoked, revoked.Status)

	_, err = s.Revoke(ctx, p.ID, "alice")
	assert.ErrorIs(t, err, accesserr.ErrInvalidState)

	_, err = s.ActiveForRequester(ctx, "alice")
	assert.ErrorIs(t, err, accesserr.ErrNotFound)
}
