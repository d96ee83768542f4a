// Package lifecycle owns the AccessRequest state machine. Every status
// change is a compare-and-set in the store, so approver answers, timer
// expiry and sweeps can race freely and exactly one of them wins.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/audit"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/metrics"
	"github.com/org/partnerlock/internal/notify"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
)

// Partnerships resolves the approver for a requester.
type Partnerships interface {
	ActiveForRequester(ctx context.Context, requesterID string) (*models.Partnership, error)
}

// Grants is the part of the grant controller the engine drives.
type Grants interface {
	Activate(ctx context.Context, r *models.AccessRequest) (*models.AccessGrant, error)
	ActiveGrant(ctx context.Context, requesterID string) (*models.AccessGrant, error)
}

// Notifier delivers notices about request transitions.
type Notifier interface {
	NotifyApprover(ctx context.Context, r *models.AccessRequest)
	NotifyRequesterOfDecision(ctx context.Context, r *models.AccessRequest, d models.Decision)
	NotifyExpired(ctx context.Context, r *models.AccessRequest)
}

// Hub fans request changes out to subscribers.
type Hub interface {
	PublishRequest(r *models.AccessRequest)
	SubscribeRequest(ctx context.Context, id string, load notify.RequestLoader, fn func(*models.AccessRequest)) (func(), error)
}

// Options holds the engine's policy knobs.
type Options struct {
	AnswerWindow    time.Duration
	DefaultDuration int
	MaxDuration     int
	HistoryLimit    int
	// NotifyOnExpiry sends the requester a notice when nobody answered.
	NotifyOnExpiry bool
}

// DefaultOptions returns the stock policy: five minutes to answer, five
// minutes of access by default, at most fifteen.
func DefaultOptions() Options {
	return Options{
		AnswerWindow:    5 * time.Minute,
		DefaultDuration: 5,
		MaxDuration:     15,
		HistoryLimit:    50,
	}
}

// Engine creates, answers and expires access requests.
type Engine struct {
	store        storage.RequestStore
	partnerships Partnerships
	grants       Grants
	notifier     Notifier
	hub          Hub
	audit        *audit.Logger
	clock        clock.Clock
	opts         Options
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store        storage.RequestStore
	Partnerships Partnerships
	Grants       Grants
	Notifier     Notifier
	Hub          Hub
	Audit        *audit.Logger
	Clock        clock.Clock
}

func NewEngine(d Deps, opts Options) *Engine {
	def := DefaultOptions()
	if opts.AnswerWindow <= 0 {
		opts.AnswerWindow = def.AnswerWindow
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = def.MaxDuration
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = def.DefaultDuration
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	return &Engine{
		store:        d.Store,
		partnerships: d.Partnerships,
		grants:       d.Grants,
		notifier:     d.Notifier,
		hub:          d.Hub,
		audit:        d.Audit,
		clock:        d.Clock,
		opts:         opts,
	}
}

// CreateParams describes a new request.
type CreateParams struct {
	RequesterID   string
	RequesterName string
	// ApproverID is optional; when set it must match the active partnership.
	ApproverID      string
	Resource        string
	Reason          string
	DurationMinutes int
}

// ClampDuration maps a requested duration into [1, MaxDuration]. Zero means
// the default duration.
func (e *Engine) ClampDuration(minutes int) int {
	switch {
	case minutes == 0:
		minutes = e.opts.DefaultDuration
	case minutes < 1:
		minutes = 1
	}
	if minutes > e.opts.MaxDuration {
		minutes = e.opts.MaxDuration
	}
	return minutes
}

// Create raises a new pending request and notifies the approver.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.AccessRequest, error) {
	pship, err := e.partnerships.ActiveForRequester(ctx, p.RequesterID)
	if errors.Is(err, accesserr.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no active partnership", accesserr.ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("loading partnership: %w", err)
	}
	if p.ApproverID != "" && p.ApproverID != pship.ApproverID {
		return nil, fmt.Errorf("%w: %s is not your accountability partner", accesserr.ErrInvalidState, p.ApproverID)
	}

	if _, err := e.grants.ActiveGrant(ctx, p.RequesterID); err == nil {
		return nil, accesserr.ErrAlreadyGranted
	} else if !errors.Is(err, accesserr.ErrNotFound) {
		return nil, fmt.Errorf("checking active grant: %w", err)
	}

	if err := e.ensureNothingPending(ctx, p.RequesterID); err != nil {
		return nil, err
	}

	name := p.RequesterName
	if name == "" {
		name = pship.RequesterName
	}
	now := e.clock.Now()
	r := &models.AccessRequest{
		ID:              uuid.NewString(),
		RequesterID:     p.RequesterID,
		RequesterName:   name,
		ApproverID:      pship.ApproverID,
		Resource:        p.Resource,
		Reason:          p.Reason,
		DurationMinutes: e.ClampDuration(p.DurationMinutes),
		Status:          models.StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.opts.AnswerWindow),
	}
	// The checks above give early answers; the store repeats them atomically
	// with the insert.
	switch err := e.store.CreateRequest(ctx, r); {
	case errors.Is(err, storage.ErrGrantConflict):
		return nil, accesserr.ErrAlreadyGranted
	case errors.Is(err, storage.ErrPendingExists):
		return nil, errPendingExists
	case err != nil:
		return nil, fmt.Errorf("storing request: %w", err)
	}

	metrics.RequestsCreated.Inc()
	metrics.PendingRequests.Inc()
	logTransition(r, "request created")
	e.audit.Record(ctx, audit.OpRequestCreated, r.ID, r.RequesterID, map[string]any{
		"approver_id":      r.ApproverID,
		"duration_minutes": r.DurationMinutes,
		"resource":         r.Resource,
	})
	e.hub.PublishRequest(r)
	e.notifier.NotifyApprover(ctx, r)
	return r, nil
}

// ensureNothingPending expires the requester's overdue pending request and
// fails if one is still waiting. Only the newest request can be pending.
func (e *Engine) ensureNothingPending(ctx context.Context, requesterID string) error {
	recent, err := e.store.ListRequestsByRequester(ctx, requesterID, 1)
	if err != nil {
		return fmt.Errorf("loading recent requests: %w", err)
	}
	if len(recent) == 0 || recent[0].Status != models.StatusPending {
		return nil
	}
	r, err := e.reconcile(ctx, recent[0])
	if err != nil {
		return err
	}
	if r.Status == models.StatusPending {
		return errPendingExists
	}
	return nil
}

var errPendingExists = fmt.Errorf("%w: a request is already waiting for an answer", accesserr.ErrInvalidState)

// Respond records the approver's decision. It fails with
// accesserr.ErrAlreadyResolved if the request left pending first, including
// by passing its answer window.
func (e *Engine) Respond(ctx context.Context, requestID, responderID string, decision models.Decision) (*models.AccessRequest, error) {
	if decision != models.DecisionApprove && decision != models.DecisionDeny {
		return nil, fmt.Errorf("%w: unknown decision %q", accesserr.ErrInvalidState, decision)
	}
	r, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if responderID != r.ApproverID {
		return nil, accesserr.ErrForbidden
	}

	now := e.clock.Now()
	updated, err := e.store.TransitionRequest(ctx, requestID, storage.RequestTransition{
		From:   models.StatusPending,
		To:     decision.Status(),
		At:     now,
		Window: storage.WindowOpen,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		metrics.RespondRaceLost.Inc()
		if updated != nil && updated.Status == models.StatusPending && updated.PastAnswerWindow(now) {
			if _, err := e.expire(ctx, updated); err != nil {
				log.Warn().Err(err).Str("request_id", requestID).Msg("expiring overdue request failed")
			}
		}
		return nil, accesserr.ErrAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("recording decision: %w", err)
	}

	if decision == models.DecisionApprove {
		if _, err := e.grants.Activate(ctx, updated); err != nil {
			return nil, e.rollbackApproval(ctx, updated, now, err)
		}
	}

	metrics.PendingRequests.Dec()
	metrics.RequestsResolved.WithLabelValues(string(updated.Status)).Inc()
	logTransition(updated, "request answered")
	op := audit.OpRequestDenied
	if decision == models.DecisionApprove {
		op = audit.OpRequestApproved
	}
	e.audit.Record(ctx, op, updated.ID, responderID, nil)
	e.hub.PublishRequest(updated)
	e.notifier.NotifyRequesterOfDecision(ctx, updated, decision)
	return updated, nil
}

// rollbackApproval turns an approval whose grant failed to activate into a
// denial. The decision stays final, so a responder who lost the race to
// this approval was told the truth. If the request cannot be moved it is
// approved with no grant, which is reported as an integrity error.
func (e *Engine) rollbackApproval(ctx context.Context, r *models.AccessRequest, at time.Time, cause error) error {
	denied, err := e.store.TransitionRequest(ctx, r.ID, storage.RequestTransition{
		From:   models.StatusApproved,
		To:     models.StatusDenied,
		At:     at,
		Window: storage.WindowAny,
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).
			Str("request_id", r.ID).
			Str("requester_id", r.RequesterID).
			Msg("request approved without a grant and rollback failed")
		return fmt.Errorf("%w: request %s approved without grant: %v", accesserr.ErrIntegrity, r.ID, cause)
	}
	log.Warn().Err(cause).Str("request_id", r.ID).Msg("grant activation failed, approval turned into denial")

	metrics.PendingRequests.Dec()
	metrics.RequestsResolved.WithLabelValues(string(denied.Status)).Inc()
	e.audit.Record(ctx, audit.OpRequestDenied, denied.ID, "", map[string]any{
		"cause": cause.Error(),
	})
	e.hub.PublishRequest(denied)
	e.notifier.NotifyRequesterOfDecision(ctx, denied, models.DecisionDeny)
	return fmt.Errorf("activating grant: %w", cause)
}

// ReconcileExpiry expires the request if it is pending past its answer
// window and returns its current state. A concurrent answer that lands
// first wins.
func (e *Engine) ReconcileExpiry(ctx context.Context, requestID string) (*models.AccessRequest, error) {
	r, err := e.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return e.reconcile(ctx, r)
}

// Get returns the request with lazy expiry applied.
func (e *Engine) Get(ctx context.Context, requestID string) (*models.AccessRequest, error) {
	return e.ReconcileExpiry(ctx, requestID)
}

func (e *Engine) reconcile(ctx context.Context, r *models.AccessRequest) (*models.AccessRequest, error) {
	if r.Status != models.StatusPending || !r.PastAnswerWindow(e.clock.Now()) {
		return r, nil
	}
	return e.expire(ctx, r)
}

func (e *Engine) expire(ctx context.Context, r *models.AccessRequest) (*models.AccessRequest, error) {
	updated, err := e.store.TransitionRequest(ctx, r.ID, storage.RequestTransition{
		From:   models.StatusPending,
		To:     models.StatusExpired,
		At:     e.clock.Now(),
		Window: storage.WindowClosed,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		metrics.RespondRaceLost.Inc()
		return updated, nil
	}
	if err != nil {
		return nil, fmt.Errorf("expiring request %s: %w", r.ID, err)
	}

	metrics.PendingRequests.Dec()
	metrics.RequestsResolved.WithLabelValues(string(models.StatusExpired)).Inc()
	logTransition(updated, "request expired")
	e.audit.Record(ctx, audit.OpRequestExpired, updated.ID, "", nil)
	e.hub.PublishRequest(updated)
	if e.opts.NotifyOnExpiry {
		e.notifier.NotifyExpired(ctx, updated)
	}
	return updated, nil
}

// MarkConsumed moves an approved request to consumed once its grant is
// gone. Any other state is left alone.
func (e *Engine) MarkConsumed(ctx context.Context, requestID string) error {
	updated, err := e.store.TransitionRequest(ctx, requestID, storage.RequestTransition{
		From:   models.StatusApproved,
		To:     models.StatusConsumed,
		At:     e.clock.Now(),
		Window: storage.WindowAny,
	})
	if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consuming request %s: %w", requestID, err)
	}
	logTransition(updated, "request consumed")
	e.audit.Record(ctx, audit.OpRequestConsumed, updated.ID, "", nil)
	e.hub.PublishRequest(updated)
	return nil
}

// OnGrantRevoked adapts MarkConsumed to the grant controller's revoke hook.
func (e *Engine) OnGrantRevoked(ctx context.Context, g *models.AccessGrant) {
	if err := e.MarkConsumed(ctx, g.ID); err != nil {
		log.Warn().Err(err).Str("request_id", g.ID).Msg("marking request consumed failed")
	}
}

// ListPending returns the approver's actionable requests, newest first.
// Overdue ones are expired on the way and left out.
func (e *Engine) ListPending(ctx context.Context, approverID string) ([]*models.AccessRequest, error) {
	pending, err := e.store.ListRequestsByApprover(ctx, approverID, models.StatusPending, e.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	out := make([]*models.AccessRequest, 0, len(pending))
	for _, r := range pending {
		r, err := e.reconcile(ctx, r)
		if err != nil {
			return nil, err
		}
		if r.Actionable(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// History returns the requester's most recent requests, newest first.
func (e *Engine) History(ctx context.Context, requesterID string) ([]*models.AccessRequest, error) {
	rs, err := e.store.ListRequestsByRequester(ctx, requesterID, e.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	for i, r := range rs {
		if rs[i], err = e.reconcile(ctx, r); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Subscribe calls fn with the request's current state and then every
// change, until the request reaches a final status or cancel is called.
func (e *Engine) Subscribe(ctx context.Context, requestID string, fn func(*models.AccessRequest)) (cancel func(), err error) {
	return e.hub.SubscribeRequest(ctx, requestID, e.Get, fn)
}

// SweepExpired expires every overdue pending request and reports how many
// it expired.
func (e *Engine) SweepExpired(ctx context.Context, batch int) (int, error) {
	overdue, err := e.store.ListOverduePending(ctx, e.clock.Now(), batch)
	if err != nil {
		return 0, fmt.Errorf("listing overdue requests: %w", err)
	}
	n := 0
	for _, r := range overdue {
		updated, err := e.expire(ctx, r)
		if err != nil {
			return n, err
		}
		if updated.Status == models.StatusExpired {
			n++
		}
	}
	return n, nil
}

func (e *Engine) load(ctx context.Context, id string) (*models.AccessRequest, error) {
	r, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("request %s: %w", id, accesserr.ErrNotFound)
	}
	return r, err
}

func logTransition(r *models.AccessRequest, msg string) {
	log.Info().
		Str("request_id", r.ID).
		Str("requester_id", r.RequesterID).
		Str("approver_id", r.ApproverID).
		Str("status", string(r.Status)).
		Msg(msg)
}
