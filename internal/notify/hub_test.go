package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/org/partnerlock/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector[T any] struct {
	mu   sync.Mutex
	got  []T
	seen chan struct{}
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{seen: make(chan struct{}, 64)}
}

func (c *collector[T]) add(v T) {
	c.mu.Lock()
	c.got = append(c.got, v)
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector[T]) waitFor(t *testing.T, n int) []T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.got) >= n {
			out := append([]T(nil), c.got...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.seen:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", n)
		}
	}
}

func loaderFor(r *models.AccessRequest) RequestLoader {
	return func(ctx context.Context, id string) (*models.AccessRequest, error) {
		cp := *r
		return &cp, nil
	}
}

func statuses(rs []*models.AccessRequest) []models.RequestStatus {
	out := make([]models.RequestStatus, len(rs))
	for i, r := range rs {
		out[i] = r.Status
	}
	return out
}

func withStatus(r *models.AccessRequest, s models.RequestStatus) *models.AccessRequest {
	cp := *r
	cp.Status = s
	return &cp
}

func TestSubscribeRequestDeliversCurrentThenChanges(t *testing.T) {
	h := NewHub()
	r := sampleRequest()
	c := newCollector[*models.AccessRequest]()

	cancel, err := h.SubscribeRequest(context.Background(), r.ID, loaderFor(r), c.add)
	require.NoError(t, err)
	defer cancel()

	h.PublishRequest(withStatus(r, models.StatusApproved))
	h.PublishRequest(withStatus(r, models.StatusConsumed))

	got := c.waitFor(t, 3)
	assert.Equal(t, []models.RequestStatus{
		models.StatusPending, models.StatusApproved, models.StatusConsumed,
	}, statuses(got))
}

func TestSubscribeRequestSkipsDuplicatesAndRegressions(t *testing.T) {
	h := NewHub()
	r := sampleRequest()
	c := newCollector[*models.AccessRequest]()

	cancel, err := h.SubscribeRequest(context.Background(), r.ID, loaderFor(r), c.add)
	require.NoError(t, err)
	defer cancel()

	h.PublishRequest(withStatus(r, models.StatusPending))
	h.PublishRequest(withStatus(r, models.StatusApproved))
	h.PublishRequest(withStatus(r, models.StatusApproved))
	h.PublishRequest(withStatus(r, models.StatusPending))
	h.PublishRequest(withStatus(r, models.StatusConsumed))

	got := c.waitFor(t, 3)
	assert.Equal(t, []models.RequestStatus{
		models.StatusPending, models.StatusApproved, models.StatusConsumed,
	}, statuses(got))
}

func TestSubscribeRequestEndsAfterFinalStatus(t *testing.T) {
	h := NewHub()
	r := sampleRequest()
	c := newCollector[*models.AccessRequest]()

	_, err := h.SubscribeRequest(context.Background(), r.ID, loaderFor(r), c.add)
	require.NoError(t, err)

	h.PublishRequest(withStatus(r, models.StatusExpired))
	h.PublishRequest(withStatus(r, models.StatusDenied))

	got := c.waitFor(t, 2)
	assert.Equal(t, []models.RequestStatus{models.StatusPending, models.StatusExpired}, statuses(got))

	h.mu.Lock()
	assert.Empty(t, h.requests)
	h.mu.Unlock()
}

func TestSubscribeRequestOnFinishedRequest(t *testing.T) {
	h := NewHub()
	r := withStatus(sampleRequest(), models.StatusDenied)
	c := newCollector[*models.AccessRequest]()

	_, err := h.SubscribeRequest(context.Background(), r.ID, loaderFor(r), c.add)
	require.NoError(t, err)

	got := c.waitFor(t, 1)
	assert.Equal(t, models.StatusDenied, got[0].Status)

	h.mu.Lock()
	assert.Empty(t, h.requests)
	h.mu.Unlock()
}

func TestSubscribeRequestLoaderError(t *testing.T) {
	h := NewHub()
	boom := errors.New("not found")

	_, err := h.SubscribeRequest(context.Background(), "missing",
		func(ctx context.Context, id string) (*models.AccessRequest, error) { return nil, boom },
		func(*models.AccessRequest) { t.Error("unexpected delivery") })
	require.ErrorIs(t, err, boom)

	h.mu.Lock()
	assert.Empty(t, h.requests)
	h.mu.Unlock()
}

func TestCancelledRequestSubscriptionGetsNothing(t *testing.T) {
	h := NewHub()
	r := sampleRequest()
	c := newCollector[*models.AccessRequest]()

	cancel, err := h.SubscribeRequest(context.Background(), r.ID, loaderFor(r), c.add)
	require.NoError(t, err)
	c.waitFor(t, 1)
	cancel()
	cancel()

	h.PublishRequest(withStatus(r, models.StatusApproved))
	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	assert.Len(t, c.got, 1)
	c.mu.Unlock()
}

func TestAccessSubscription(t *testing.T) {
	h := NewHub()
	c := newCollector[models.AccessState]()

	cancel, err := h.SubscribeAccess(context.Background(), "alice", func(ctx context.Context, id string) (models.AccessState, error) {
		return models.AccessState{RequesterID: id}, nil
	}, c.add)
	require.NoError(t, err)
	defer cancel()

	h.PublishAccess(models.AccessState{RequesterID: "bob", Active: true})
	h.PublishAccess(models.AccessState{RequesterID: "alice", Active: true, GrantID: "req-1"})
	h.PublishAccess(models.AccessState{RequesterID: "alice", Active: false})

	got := c.waitFor(t, 3)
	require.Len(t, got, 3)
	assert.False(t, got[0].Active)
	assert.True(t, got[1].Active)
	assert.Equal(t, "req-1", got[1].GrantID)
	assert.False(t, got[2].Active)
}

func TestAccessSubscriptionKeepsChangeDuringLoad(t *testing.T) {
	h := NewHub()
	c := newCollector[models.AccessState]()

	// The grant is revoked after the loader read it as active.
	load := func(ctx context.Context, id string) (models.AccessState, error) {
		st := models.AccessState{RequesterID: id, Active: true, GrantID: "req-1"}
		h.PublishAccess(models.AccessState{RequesterID: id})
		return st, nil
	}
	cancel, err := h.SubscribeAccess(context.Background(), "alice", load, c.add)
	require.NoError(t, err)
	defer cancel()

	got := c.waitFor(t, 2)
	require.Len(t, got, 2)
	assert.True(t, got[0].Active)
	assert.False(t, got[1].Active)

	h.PublishAccess(models.AccessState{RequesterID: "alice", Active: true, GrantID: "req-2"})
	got = c.waitFor(t, 3)
	assert.Equal(t, "req-2", got[2].GrantID)
}

func TestAccessSubscriptionLoadError(t *testing.T) {
	h := NewHub()
	boom := errors.New("store down")
	_, err := h.SubscribeAccess(context.Background(), "alice", func(ctx context.Context, id string) (models.AccessState, error) {
		return models.AccessState{}, boom
	}, func(models.AccessState) {})
	require.ErrorIs(t, err, boom)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.access)
}
