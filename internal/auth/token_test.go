package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndValidateToken(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewTokenService(storage.NewMemoryBackend(), clk)
	ctx := context.Background()

	tok, plaintext, err := svc.CreateToken(ctx, "alice", "Alice", false, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, "plk_"))
	assert.NotContains(t, plaintext, tok.ID)

	got, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PrincipalID)

	clk.Advance(2 * time.Hour)
	_, err = svc.ValidateToken(ctx, plaintext)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	svc := NewTokenService(storage.NewMemoryBackend(), clock.Real())
	ctx := context.Background()

	tok, plaintext, err := svc.CreateToken(ctx, "bob", "Bob", false, 0)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeToken(ctx, tok.ID))

	_, err = svc.ValidateToken(ctx, plaintext)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestUnknownToken(t *testing.T) {
	svc := NewTokenService(storage.NewMemoryBackend(), clock.Real())
	_, err := svc.ValidateToken(context.Background(), "plk_nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEnsureBootstrapToken(t *testing.T) {
	svc := NewTokenService(storage.NewMemoryBackend(), clock.Real())
	ctx := context.Background()

	require.NoError(t, svc.EnsureToken(ctx, "plk_bootstrap", "admin", true))
	require.NoError(t, svc.EnsureToken(ctx, "plk_bootstrap", "admin", true))

	tok, err := svc.ValidateToken(ctx, "plk_bootstrap")
	require.NoError(t, err)
	assert.True(t, tok.Admin)
	assert.Equal(t, "admin", tok.PrincipalID)
}
