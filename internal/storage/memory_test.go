package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/org/partnerlock/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingRequest(id, requester string, created time.Time) *models.AccessRequest {
	return &models.AccessRequest{
		ID:              id,
		RequesterID:     requester,
		ApproverID:      "bob",
		DurationMinutes: 5,
		Status:          models.StatusPending,
		CreatedAt:       created,
		ExpiresAt:       created.Add(5 * time.Minute),
	}
}

func TestTransitionWindows(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("r1", "alice", epoch)))

	deadline := epoch.Add(5 * time.Minute)

	_, err := m.TransitionRequest(ctx, "r1", RequestTransition{
		From: models.StatusPending, To: models.StatusExpired, At: deadline, Window: WindowClosed,
	})
	assert.ErrorIs(t, err, ErrStatusConflict, "expiry at the deadline is too early")

	r, err := m.TransitionRequest(ctx, "r1", RequestTransition{
		From: models.StatusPending, To: models.StatusApproved, At: deadline, Window: WindowOpen,
	})
	require.NoError(t, err, "an answer exactly at the deadline is in time")
	assert.Equal(t, models.StatusApproved, r.Status)
	require.NotNil(t, r.RespondedAt)
	assert.Equal(t, deadline, *r.RespondedAt)

	cur, err := m.TransitionRequest(ctx, "r1", RequestTransition{
		From: models.StatusPending, To: models.StatusDenied, At: deadline, Window: WindowOpen,
	})
	assert.ErrorIs(t, err, ErrStatusConflict)
	require.NotNil(t, cur, "losing a transition returns the current record")
	assert.Equal(t, models.StatusApproved, cur.Status)

	r, err = m.TransitionRequest(ctx, "r1", RequestTransition{
		From: models.StatusApproved, To: models.StatusConsumed, At: deadline.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Nil(t, r.RespondedAt)
	require.NotNil(t, r.ConsumedAt)

	_, err = m.TransitionRequest(ctx, "missing", RequestTransition{From: models.StatusPending, To: models.StatusExpired})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("r1", "alice", epoch)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		to := models.StatusApproved
		if i%2 == 1 {
			to = models.StatusDenied
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.TransitionRequest(ctx, "r1", RequestTransition{
				From: models.StatusPending, To: to, At: epoch.Add(time.Minute), Window: WindowOpen,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRequestListings(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	older := pendingRequest("older", "alice", epoch.Add(-10*time.Minute))
	older.Status = models.StatusDenied
	answered := epoch.Add(-9 * time.Minute)
	older.RespondedAt = &answered
	require.NoError(t, m.CreateRequest(ctx, older))
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("old", "alice", epoch)))
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("new", "dave", epoch.Add(10*time.Minute))))
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("other", "carol", epoch.Add(time.Minute))))
	assert.ErrorIs(t, m.CreateRequest(ctx, pendingRequest("old", "alice", epoch)), ErrAlreadyExists)

	hist, err := m.ListRequestsByRequester(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "old", hist[0].ID, "newest first")

	hist, err = m.ListRequestsByRequester(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	overdue, err := m.ListOverduePending(ctx, epoch.Add(7*time.Minute), 0)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range overdue {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"old", "other"}, ids)

	pending, err := m.ListRequestsByApprover(ctx, "bob", models.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	n, err := m.CountPendingRequests(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("r1", "alice", epoch)))

	r, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	r.Status = models.StatusDenied

	again, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestGrantUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	g := &models.AccessGrant{
		ID: "g1", RequesterID: "alice", ApproverID: "bob", DurationMinutes: 5,
		ActivatedAt: epoch, ExpiresAt: epoch.Add(5 * time.Minute),
	}
	require.NoError(t, m.InsertGrant(ctx, g))

	second := *g
	second.ID = "g2"
	assert.ErrorIs(t, m.InsertGrant(ctx, &second), ErrGrantConflict)
	assert.ErrorIs(t, m.InsertGrant(ctx, g), ErrAlreadyExists)

	n, err := m.CountActiveGrants(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	revoked, changed, err := m.RevokeGrant(ctx, "g1", epoch.Add(2*time.Minute), models.RevokeManualEarlyRevoke)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, models.RevokeManualEarlyRevoke, revoked.RevokeReason)

	_, changed, err = m.RevokeGrant(ctx, "g1", epoch.Add(3*time.Minute), models.RevokeExpired)
	require.NoError(t, err)
	assert.False(t, changed, "second revoke is a no-op")

	stored, err := m.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.RevokeManualEarlyRevoke, stored.RevokeReason)

	require.NoError(t, m.InsertGrant(ctx, &second), "a revoked grant no longer blocks")
	_, err = m.UnrevokedGrant(ctx, "alice")
	require.NoError(t, err)

	all, err := m.ListUnrevokedGrants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "g2", all[0].ID)
}

func TestOneActivePartnershipPerRequester(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	p1 := &models.Partnership{ID: "p1", RequesterID: "alice", Status: models.PartnershipPending, InviteHash: "h1", CreatedAt: epoch}
	p2 := &models.Partnership{ID: "p2", RequesterID: "alice", Status: models.PartnershipPending, InviteHash: "h2", CreatedAt: epoch.Add(time.Second)}
	require.NoError(t, m.CreatePartnership(ctx, p1))
	require.NoError(t, m.CreatePartnership(ctx, p2))

	got, err := m.GetPartnershipByInvite(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ID)

	p1.Status = models.PartnershipActive
	p1.ApproverID = "bob"
	require.NoError(t, m.UpdatePartnership(ctx, p1, models.PartnershipPending))

	p2.Status = models.PartnershipActive
	p2.ApproverID = "dave"
	assert.ErrorIs(t, m.UpdatePartnership(ctx, p2, models.PartnershipPending), ErrAlreadyExists)

	assert.ErrorIs(t, m.UpdatePartnership(ctx, p1, models.PartnershipPending), ErrStatusConflict)

	active, err := m.ActivePartnershipForRequester(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", active.ApproverID)

	list, err := m.ListPartnershipsForPrincipal(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAuditQueryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	for i, e := range []*models.AuditEntry{
		{Operation: "GET", Path: "/v1/requests/pending", PrincipalID: "bob", Timestamp: epoch},
		{Operation: "POST", Path: "/v1/requests", PrincipalID: "alice", Timestamp: epoch.Add(time.Minute)},
		{Operation: "request.approved", Path: "r1", PrincipalID: "bob", Timestamp: epoch.Add(2 * time.Minute)},
	} {
		require.NoError(t, m.WriteAuditEntry(ctx, e), i)
	}

	out, err := m.QueryAuditLog(ctx, AuditFilter{PrincipalID: "bob"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "request.approved", out[0].Operation, "newest first")
	assert.EqualValues(t, 3, out[0].ID)

	since := epoch.Add(30 * time.Second)
	out, err = m.QueryAuditLog(ctx, AuditFilter{Path: "/v1/requests", Since: &since})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "alice", out[0].PrincipalID)

	out, err = m.QueryAuditLog(ctx, AuditFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "POST", out[0].Operation)
}

func TestCreatePendingRequestGuards(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	require.NoError(t, m.CreateRequest(ctx, pendingRequest("r1", "alice", epoch)))
	assert.ErrorIs(t, m.CreateRequest(ctx, pendingRequest("r2", "alice", epoch)), ErrPendingExists)

	// Approved, grant not stored yet.
	_, err := m.TransitionRequest(ctx, "r1", RequestTransition{
		From: models.StatusPending, To: models.StatusApproved, At: epoch, Window: WindowOpen,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, m.CreateRequest(ctx, pendingRequest("r2", "alice", epoch)), ErrGrantConflict)

	require.NoError(t, m.InsertGrant(ctx, &models.AccessGrant{
		ID: "r1", RequesterID: "alice", ActivatedAt: epoch, ExpiresAt: epoch.Add(5 * time.Minute),
	}))
	assert.ErrorIs(t, m.CreateRequest(ctx, pendingRequest("r2", "alice", epoch.Add(time.Minute))), ErrGrantConflict)

	// Past its expiry the grant no longer blocks, even before its timer runs.
	require.NoError(t, m.CreateRequest(ctx, pendingRequest("r2", "alice", epoch.Add(5*time.Minute))))
}

func TestConcurrentCreatesStoreOnePending(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.CreateRequest(ctx, pendingRequest("", "alice", epoch)); err == nil {
				mu.Lock()
				stored++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrPendingExists)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, stored)
}
