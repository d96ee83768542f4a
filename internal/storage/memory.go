package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/partnerlock/pkg/models"
)

// MemoryBackend is a StorageBackend held in process memory. Every method
// runs under one mutex, which makes each compare-and-set atomic. It backs
// tests and the "memory" storage mode.
type MemoryBackend struct {
	mu           sync.Mutex
	requests     map[string]*models.AccessRequest
	grants       map[string]*models.AccessGrant
	partnerships map[string]*models.Partnership
	channels     map[string]*models.NotificationChannel
	tokens       map[string]*models.Token // keyed by token hash
	blocklists   map[string]*models.BlockList
	audit        []*models.AuditEntry
	auditSeq     int64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		requests:     map[string]*models.AccessRequest{},
		grants:       map[string]*models.AccessGrant{},
		partnerships: map[string]*models.Partnership{},
		channels:     map[string]*models.NotificationChannel{},
		tokens:       map[string]*models.Token{},
		blocklists:   map[string]*models.BlockList{},
	}
}

func (m *MemoryBackend) Close() {}

// --- Requests ---

func (m *MemoryBackend) CreateRequest(ctx context.Context, r *models.AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := m.requests[r.ID]; ok {
		return ErrAlreadyExists
	}
	if r.Status == models.StatusPending {
		if err := m.requesterClearLocked(r.RequesterID, r.CreatedAt); err != nil {
			return err
		}
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryBackend) requesterClearLocked(requesterID string, now time.Time) error {
	for _, existing := range m.requests {
		if existing.RequesterID != requesterID {
			continue
		}
		switch existing.Status {
		case models.StatusPending:
			return ErrPendingExists
		case models.StatusApproved:
			g, ok := m.grants[existing.ID]
			if !ok || g.ActiveAt(now) {
				return ErrGrantConflict
			}
		}
	}
	for _, g := range m.grants {
		if g.RequesterID == requesterID && g.ActiveAt(now) {
			return ErrGrantConflict
		}
	}
	return nil
}

func (m *MemoryBackend) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryBackend) TransitionRequest(ctx context.Context, id string, t RequestTransition) (*models.AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Allows(r) {
		return cloneRequest(r), ErrStatusConflict
	}
	t.Apply(r)
	return cloneRequest(r), nil
}

func (m *MemoryBackend) ListRequestsByApprover(ctx context.Context, approverID string, status models.RequestStatus, limit int) ([]*models.AccessRequest, error) {
	return m.listRequests(limit, func(r *models.AccessRequest) bool {
		return r.ApproverID == approverID && r.Status == status
	}), nil
}

func (m *MemoryBackend) ListRequestsByRequester(ctx context.Context, requesterID string, limit int) ([]*models.AccessRequest, error) {
	return m.listRequests(limit, func(r *models.AccessRequest) bool {
		return r.RequesterID == requesterID
	}), nil
}

func (m *MemoryBackend) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*models.AccessRequest, error) {
	return m.listRequests(limit, func(r *models.AccessRequest) bool {
		return r.Status == models.StatusPending && r.ExpiresAt.Before(now)
	}), nil
}

func (m *MemoryBackend) listRequests(limit int, match func(*models.AccessRequest) bool) []*models.AccessRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AccessRequest
	for _, r := range m.requests {
		if match(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneRequest(r *models.AccessRequest) *models.AccessRequest {
	c := *r
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		c.RespondedAt = &t
	}
	if r.ConsumedAt != nil {
		t := *r.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

// --- Grants ---

func (m *MemoryBackend) InsertGrant(ctx context.Context, g *models.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.grants {
		if existing.RequesterID == g.RequesterID && !existing.Revoked {
			return ErrGrantConflict
		}
	}
	m.grants[g.ID] = cloneGrant(g)
	return nil
}

func (m *MemoryBackend) GetGrant(ctx context.Context, id string) (*models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGrant(g), nil
}

func (m *MemoryBackend) UnrevokedGrant(ctx context.Context, requesterID string) (*models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.RequesterID == requesterID && !g.Revoked {
			return cloneGrant(g), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) RevokeGrant(ctx context.Context, id string, at time.Time, reason models.RevokeReason) (*models.AccessGrant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if g.Revoked {
		return cloneGrant(g), false, nil
	}
	g.Revoked = true
	g.RevokedAt = &at
	g.RevokeReason = reason
	return cloneGrant(g), true, nil
}

func (m *MemoryBackend) ListUnrevokedGrants(ctx context.Context) ([]*models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AccessGrant
	for _, g := range m.grants {
		if !g.Revoked {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func cloneGrant(g *models.AccessGrant) *models.AccessGrant {
	c := *g
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// --- Partnerships ---

func (m *MemoryBackend) CreatePartnership(ctx context.Context, p *models.Partnership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := m.partnerships[p.ID]; ok {
		return ErrAlreadyExists
	}
	m.partnerships[p.ID] = clonePartnership(p)
	return nil
}

func (m *MemoryBackend) GetPartnership(ctx context.Context, id string) (*models.Partnership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partnerships[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePartnership(p), nil
}

func (m *MemoryBackend) GetPartnershipByInvite(ctx context.Context, inviteHash string) (*models.Partnership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.partnerships {
		if inviteHash != "" && p.InviteHash == inviteHash {
			return clonePartnership(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) ActivePartnershipForRequester(ctx context.Context, requesterID string) (*models.Partnership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.partnerships {
		if p.RequesterID == requesterID && p.Status == models.PartnershipActive {
			return clonePartnership(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) ListPartnershipsForPrincipal(ctx context.Context, principalID string) ([]*models.Partnership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Partnership
	for _, p := range m.partnerships {
		if p.Involves(principalID) {
			out = append(out, clonePartnership(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) UpdatePartnership(ctx context.Context, p *models.Partnership, from models.PartnershipStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.partnerships[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	if p.Status == models.PartnershipActive {
		for _, other := range m.partnerships {
			if other.ID != p.ID && other.RequesterID == p.RequesterID && other.Status == models.PartnershipActive {
				return ErrAlreadyExists
			}
		}
	}
	m.partnerships[p.ID] = clonePartnership(p)
	return nil
}

func clonePartnership(p *models.Partnership) *models.Partnership {
	c := *p
	if p.PasswordHash != nil {
		c.PasswordHash = append([]byte(nil), p.PasswordHash...)
	}
	if p.AcceptedAt != nil {
		t := *p.AcceptedAt
		c.AcceptedAt = &t
	}
	return &c
}

// --- Channels ---

func (m *MemoryBackend) SetChannel(ctx context.Context, ch *models.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ch
	m.channels[ch.PrincipalID] = &c
	return nil
}

func (m *MemoryBackend) GetChannel(ctx context.Context, principalID string) (*models.NotificationChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ch
	return &c, nil
}

// --- Tokens ---

func (m *MemoryBackend) WriteToken(ctx context.Context, token *models.Token, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *token
	m.tokens[tokenHash] = &t
	return nil
}

func (m *MemoryBackend) GetToken(ctx context.Context, tokenHash string) (*models.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryBackend) RevokeToken(ctx context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == tokenID && t.RevokedAt == nil {
			revokedAt := at
			t.RevokedAt = &revokedAt
		}
	}
	return nil
}

// --- Block lists ---

func (m *MemoryBackend) SetBlockList(ctx context.Context, bl *models.BlockList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *bl
	c.Patterns = append([]string(nil), bl.Patterns...)
	m.blocklists[bl.RequesterID] = &c
	return nil
}

func (m *MemoryBackend) GetBlockList(ctx context.Context, requesterID string) (*models.BlockList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.blocklists[requesterID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *bl
	c.Patterns = append([]string(nil), bl.Patterns...)
	return &c, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	e := *entry
	e.ID = m.auditSeq
	m.audit = append(m.audit, &e)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.PrincipalID != "" && e.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Metrics ---

func (m *MemoryBackend) CountPendingRequests(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.requests {
		if r.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) CountActiveGrants(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.grants {
		if g.ActiveAt(now) {
			n++
		}
	}
	return n, nil
}
