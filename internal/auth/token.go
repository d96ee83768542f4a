package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
)

const tokenPrefix = "plk_"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrTokenExpired = errors.New("token has expired")
)

// TokenService issues and validates principal tokens.
type TokenService struct {
	store storage.TokenStore
	clock clock.Clock
}

// NewTokenService creates a TokenService backed by the given storage.
func NewTokenService(store storage.TokenStore, clk clock.Clock) *TokenService {
	return &TokenService{store: store, clock: clk}
}

// CreateToken generates a token for principalID and persists its hash.
// Returns the token model and the plaintext token string (shown once to the caller).
func (s *TokenService) CreateToken(ctx context.Context, principalID, displayName string, admin bool, ttl time.Duration) (*models.Token, string, error) {
	plaintext, err := randomSecret(tokenPrefix)
	if err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}

	now := s.clock.Now().UTC()
	t := &models.Token{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		DisplayName: displayName,
		Admin:       admin,
		TTL:         ttl,
		CreatedAt:   now,
	}
	if ttl > 0 {
		t.ExpiresAt = now.Add(ttl)
	}
	if err := s.store.WriteToken(ctx, t, HashToken(plaintext)); err != nil {
		return nil, "", fmt.Errorf("persisting token: %w", err)
	}
	return t, plaintext, nil
}

// EnsureToken stores a caller-chosen plaintext token, replacing any token
// with the same value. It is used for the bootstrap admin token.
func (s *TokenService) EnsureToken(ctx context.Context, plaintext, principalID string, admin bool) error {
	t := &models.Token{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(principalID)).String(),
		PrincipalID: principalID,
		DisplayName: principalID,
		Admin:       admin,
		CreatedAt:   s.clock.Now().UTC(),
	}
	return s.store.WriteToken(ctx, t, HashToken(plaintext))
}

// ValidateToken looks up a token by its plaintext value.
// Returns error if not found, expired, or revoked.
func (s *TokenService) ValidateToken(ctx context.Context, plaintext string) (*models.Token, error) {
	token, err := s.store.GetToken(ctx, HashToken(plaintext))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if token.IsRevoked() {
		return nil, ErrTokenRevoked
	}
	if token.IsExpired(s.clock.Now()) {
		return nil, ErrTokenExpired
	}
	return token, nil
}

// RevokeToken revokes a token by ID.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID string) error {
	return s.store.RevokeToken(ctx, tokenID, s.clock.Now().UTC())
}

// HashToken returns the SHA-256 hex hash of a plaintext token. Exported for use by middleware.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

func randomSecret(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
