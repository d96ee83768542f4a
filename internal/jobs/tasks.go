// Package jobs moves grant revocation, expiry sweeps and notification
// delivery onto asynq so they survive a server restart.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/org/partnerlock/internal/lifecycle"
	"github.com/org/partnerlock/internal/notify"
	"github.com/rs/zerolog/log"
)

const (
	// QueueDefault is the queue every partnerlock task runs on.
	QueueDefault = "partnerlock"
	// TaskGrantRevoke expires one grant at its ExpiresAt.
	TaskGrantRevoke = "grant:revoke"
	// TaskRequestsSweep expires overdue requests and grants.
	TaskRequestsSweep = "requests:sweep"
	// TaskNotifyDeliver delivers one notice.
	TaskNotifyDeliver = "notify:deliver"
)

// GrantRevokePayload identifies the grant to expire.
type GrantRevokePayload struct {
	GrantID string `json:"grant_id"`
}

// NewGrantRevokeTask constructs a TaskGrantRevoke task.
func NewGrantRevokeTask(grantID string) (*asynq.Task, error) {
	data, err := json.Marshal(GrantRevokePayload{GrantID: grantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantRevoke, data), nil
}

// NewSweepTask constructs a TaskRequestsSweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskRequestsSweep, nil)
}

// NewNotifyTask constructs a TaskNotifyDeliver task.
func NewNotifyTask(n notify.Notice) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyDeliver, data), nil
}

// GrantExpirer expires a grant by ID.
type GrantExpirer interface {
	ExpireGrant(ctx context.Context, grantID string) error
}

// Sweeper runs one expiry sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (lifecycle.SweepResult, error)
}

// Deliverer delivers one notice synchronously.
type Deliverer interface {
	Deliver(ctx context.Context, n notify.Notice) error
}

// RevokeHandler processes TaskGrantRevoke tasks.
func RevokeHandler(grants GrantExpirer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p GrantRevokePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.GrantID == "" {
			return fmt.Errorf("decoding %s payload: %w", TaskGrantRevoke, asynq.SkipRetry)
		}
		return grants.ExpireGrant(ctx, p.GrantID)
	}
}

// SweepHandler processes TaskRequestsSweep tasks.
func SweepHandler(s Sweeper) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		_, err := s.Sweep(ctx)
		return err
	}
}

// DeliverHandler processes TaskNotifyDeliver tasks. Failed deliveries are
// retried by asynq; once retries run out the notice is dropped.
func DeliverHandler(d Deliverer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var n notify.Notice
		if err := json.Unmarshal(t.Payload(), &n); err != nil {
			return fmt.Errorf("decoding %s payload: %w", TaskNotifyDeliver, asynq.SkipRetry)
		}
		if err := d.Deliver(ctx, n); err != nil {
			log.Warn().Err(err).Str("recipient", n.RecipientID).Str("type", n.Message.Payload.Type).Msg("queued notification not delivered")
			return err
		}
		return nil
	}
}
