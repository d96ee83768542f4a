package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/org/partnerlock/internal/notify"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
)

// Client enqueues partnerlock tasks. It implements grant.Scheduler and
// notify.Outbox.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewClient constructs an asynq-backed Client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpts),
		inspector: asynq.NewInspector(redisOpts),
	}
}

// Schedule enqueues the grant's revocation for its ExpiresAt. The task ID is
// the grant ID, so scheduling the same grant twice is harmless.
func (c *Client) Schedule(ctx context.Context, g *models.AccessGrant) error {
	task, err := NewGrantRevokeTask(g.ID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.TaskID(g.ID),
		asynq.ProcessAt(g.ExpiresAt),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Cancel removes the grant's pending revocation task.
func (c *Client) Cancel(ctx context.Context, grantID string) {
	err := c.inspector.DeleteTask(QueueDefault, grantID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		log.Debug().Err(err).Str("grant_id", grantID).Msg("revocation task not deleted")
	}
}

// Enqueue queues a notice for delivery by the worker.
func (c *Client) Enqueue(ctx context.Context, n notify.Notice) error {
	task, err := NewNotifyTask(n)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
