// Package grant owns the AccessGrant state machine: activation on approval,
// scheduled revocation, and the one-active-grant-per-requester rule.
package grant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/audit"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/metrics"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Notifier tells a requester their access window ended.
type Notifier interface {
	NotifyRequesterOfRevocation(ctx context.Context, g *models.AccessGrant)
}

// Publisher receives every access-state change for enforcement observers.
type Publisher interface {
	PublishAccess(state models.AccessState)
}

// RevokeHook runs after a grant has been revoked by this controller.
type RevokeHook func(ctx context.Context, g *models.AccessGrant)

// Controller activates and revokes grants.
type Controller struct {
	store     storage.GrantStore
	clock     clock.Clock
	notifier  Notifier
	publisher Publisher
	audit     *audit.Logger

	mu        sync.RWMutex
	scheduler Scheduler
	hooks     []RevokeHook
}

// NewController returns a Controller that schedules revocations with
// in-process clock timers. Call UseScheduler to replace them.
func NewController(store storage.GrantStore, clk clock.Clock, notifier Notifier, publisher Publisher, auditLog *audit.Logger) *Controller {
	c := &Controller{
		store:     store,
		clock:     clk,
		notifier:  notifier,
		publisher: publisher,
		audit:     auditLog,
	}
	c.scheduler = newTimerScheduler(clk, c.fireTimer)
	return c
}

// UseScheduler replaces the revocation scheduler. It must be called before
// any grant is activated or restored.
func (c *Controller) UseScheduler(s Scheduler) {
	c.mu.Lock()
	c.scheduler = s
	c.mu.Unlock()
}

// OnRevoke registers fn to run after every revocation.
func (c *Controller) OnRevoke(fn RevokeHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Controller) sched() Scheduler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scheduler
}

// Activate creates the grant for an approved request and schedules its
// revocation. It fails with accesserr.ErrConflict if the requester already
// holds an active grant.
func (c *Controller) Activate(ctx context.Context, r *models.AccessRequest) (*models.AccessGrant, error) {
	now := c.clock.Now()

	existing, err := c.store.UnrevokedGrant(ctx, r.RequesterID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading current grant: %w", err)
	case existing.ActiveAt(now):
		return nil, c.conflict(r, existing.ID)
	default:
		// Expired but its timer has not run yet.
		if err := c.revokeGrant(ctx, existing.ID, models.RevokeExpired); err != nil {
			return nil, err
		}
	}

	g := &models.AccessGrant{
		ID:              r.ID,
		RequesterID:     r.RequesterID,
		ApproverID:      r.ApproverID,
		Resource:        r.Resource,
		DurationMinutes: r.DurationMinutes,
		ActivatedAt:     now,
		ExpiresAt:       now.Add(r.Duration()),
	}
	if err := c.store.InsertGrant(ctx, g); err != nil {
		if errors.Is(err, storage.ErrGrantConflict) || errors.Is(err, storage.ErrAlreadyExists) {
			return nil, c.conflict(r, "")
		}
		return nil, fmt.Errorf("storing grant: %w", err)
	}

	metrics.GrantsActivated.Inc()
	metrics.ActiveGrants.Inc()
	log.Info().
		Str("grant_id", g.ID).
		Str("requester_id", g.RequesterID).
		Int("duration_minutes", g.DurationMinutes).
		Time("expires_at", g.ExpiresAt).
		Msg("grant activated")
	c.audit.Record(ctx, audit.OpGrantActivated, g.ID, g.ApproverID, map[string]any{
		"requester_id":     g.RequesterID,
		"duration_minutes": g.DurationMinutes,
		"expires_at":       g.ExpiresAt,
	})
	c.publisher.PublishAccess(stateOf(g, now))

	if err := c.sched().Schedule(ctx, g); err != nil {
		// The sweeper revokes it on its next pass.
		log.Error().Err(err).Str("grant_id", g.ID).Msg("scheduling grant revocation failed")
	}
	return g, nil
}

func (c *Controller) conflict(r *models.AccessRequest, activeID string) error {
	metrics.GrantConflicts.Inc()
	log.Error().
		Str("request_id", r.ID).
		Str("requester_id", r.RequesterID).
		Str("active_grant_id", activeID).
		Msg("refusing to activate a second grant")
	return fmt.Errorf("requester %s: %w", r.RequesterID, accesserr.ErrConflict)
}

// Revoke ends the requester's unrevoked grant, if any. Revoking when there
// is nothing to revoke is not an error.
func (c *Controller) Revoke(ctx context.Context, requesterID string, reason models.RevokeReason) error {
	g, err := c.store.UnrevokedGrant(ctx, requesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading current grant: %w", err)
	}
	return c.revokeGrant(ctx, g.ID, reason)
}

// ExpireGrant revokes a grant whose window has run out. It is what scheduled
// revocations call and is safe to call any number of times.
func (c *Controller) ExpireGrant(ctx context.Context, grantID string) error {
	return c.revokeGrant(ctx, grantID, models.RevokeExpired)
}

func (c *Controller) fireTimer(grantID string) {
	if err := c.ExpireGrant(context.Background(), grantID); err != nil {
		log.Error().Err(err).Str("grant_id", grantID).Msg("scheduled revocation failed")
	}
}

func (c *Controller) revokeGrant(ctx context.Context, grantID string, reason models.RevokeReason) error {
	g, changed, err := c.store.RevokeGrant(ctx, grantID, c.clock.Now(), reason)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoking grant %s: %w", grantID, err)
	}
	if !changed {
		return nil
	}

	c.sched().Cancel(ctx, g.ID)
	metrics.GrantsRevoked.WithLabelValues(string(reason)).Inc()
	metrics.ActiveGrants.Dec()
	log.Info().
		Str("grant_id", g.ID).
		Str("requester_id", g.RequesterID).
		Str("reason", string(reason)).
		Msg("grant revoked")
	c.audit.Record(ctx, audit.OpGrantRevoked, g.ID, "", map[string]any{
		"requester_id": g.RequesterID,
		"reason":       string(reason),
	})

	c.publisher.PublishAccess(models.AccessState{RequesterID: g.RequesterID})
	c.notifier.NotifyRequesterOfRevocation(ctx, g)

	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, g)
	}
	return nil
}

// IsAccessActive reports whether the requester holds a grant that is not
// revoked and not past its expiry.
func (c *Controller) IsAccessActive(ctx context.Context, requesterID string) (bool, error) {
	_, err := c.ActiveGrant(ctx, requesterID)
	if errors.Is(err, accesserr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ActiveGrant returns the requester's active grant or accesserr.ErrNotFound.
func (c *Controller) ActiveGrant(ctx context.Context, requesterID string) (*models.AccessGrant, error) {
	g, err := c.store.UnrevokedGrant(ctx, requesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, accesserr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !g.ActiveAt(c.clock.Now()) {
		return nil, accesserr.ErrNotFound
	}
	return g, nil
}

// State returns the requester's current access state.
func (c *Controller) State(ctx context.Context, requesterID string) (models.AccessState, error) {
	g, err := c.ActiveGrant(ctx, requesterID)
	if errors.Is(err, accesserr.ErrNotFound) {
		return models.AccessState{RequesterID: requesterID}, nil
	}
	if err != nil {
		return models.AccessState{}, err
	}
	return stateOf(g, c.clock.Now()), nil
}

func stateOf(g *models.AccessGrant, now time.Time) models.AccessState {
	st := models.AccessState{RequesterID: g.RequesterID}
	if g.ActiveAt(now) {
		exp := g.ExpiresAt
		st.Active = true
		st.GrantID = g.ID
		st.Resource = g.Resource
		st.ExpiresAt = &exp
	}
	return st
}

// Restore re-arms revocation for every unrevoked grant and revokes those
// whose window already passed. Run it once at startup.
func (c *Controller) Restore(ctx context.Context) error {
	grants, err := c.store.ListUnrevokedGrants(ctx)
	if err != nil {
		return fmt.Errorf("listing unrevoked grants: %w", err)
	}
	now := c.clock.Now()
	sched := c.sched()

	var active int
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, g := range grants {
		g := g
		if g.ActiveAt(now) {
			active++
			eg.Go(func() error { return sched.Schedule(ctx, g) })
			continue
		}
		eg.Go(func() error { return c.revokeGrant(ctx, g.ID, models.RevokeExpired) })
	}
	metrics.ActiveGrants.Set(float64(len(grants)))
	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info().Int("rearmed", active).Int("expired", len(grants)-active).Msg("grant timers restored")
	return nil
}

// SweepExpired revokes unrevoked grants that are past their expiry and
// returns how many it revoked.
func (c *Controller) SweepExpired(ctx context.Context) (int, error) {
	grants, err := c.store.ListUnrevokedGrants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unrevoked grants: %w", err)
	}
	now := c.clock.Now()
	n := 0
	for _, g := range grants {
		if g.ActiveAt(now) {
			continue
		}
		if err := c.revokeGrant(ctx, g.ID, models.RevokeExpired); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
