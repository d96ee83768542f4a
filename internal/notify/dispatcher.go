package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/metrics"
	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
)

// Outbox hands notices to a durable queue instead of delivering them in
// process. Enqueue must not block on delivery.
type Outbox interface {
	Enqueue(ctx context.Context, n Notice) error
}

// Options tunes delivery.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Dispatcher routes notices to each principal's registered channel. Every
// Notify method returns immediately; delivery failures are logged and
// counted, never returned to the state machine that triggered them.
type Dispatcher struct {
	channels   storage.ChannelStore
	clock      clock.Clock
	transports map[models.ChannelKind]Transport
	opts       Options

	mu     sync.RWMutex
	outbox Outbox

	wg sync.WaitGroup
}

// NewDispatcher returns a Dispatcher with only the log transport registered.
func NewDispatcher(channels storage.ChannelStore, clk clock.Clock, opts Options) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Dispatcher{
		channels: channels,
		clock:    clk,
		transports: map[models.ChannelKind]Transport{
			models.ChannelLog: LogTransport{},
		},
		opts: opts,
	}
}

// Register installs the transport used for channels of the given kind.
// It must be called before the dispatcher is used.
func (d *Dispatcher) Register(kind models.ChannelKind, t Transport) {
	d.transports[kind] = t
}

// SetOutbox routes notices through o. A nil outbox restores in-process delivery.
func (d *Dispatcher) SetOutbox(o Outbox) {
	d.mu.Lock()
	d.outbox = o
	d.mu.Unlock()
}

// NotifyApprover tells the approver a new request is waiting.
func (d *Dispatcher) NotifyApprover(ctx context.Context, r *models.AccessRequest) {
	d.dispatch(ctx, Notice{RecipientID: r.ApproverID, Message: accessRequestMessage(r)})
}

// NotifyRequesterOfDecision tells the requester how their request was answered.
func (d *Dispatcher) NotifyRequesterOfDecision(ctx context.Context, r *models.AccessRequest, decision models.Decision) {
	d.dispatch(ctx, Notice{RecipientID: r.RequesterID, Message: decisionMessage(r, decision)})
}

// NotifyRequesterOfRevocation tells the requester their access window ended.
func (d *Dispatcher) NotifyRequesterOfRevocation(ctx context.Context, g *models.AccessGrant) {
	d.dispatch(ctx, Notice{RecipientID: g.RequesterID, Message: revocationMessage(g)})
}

// NotifyExpired tells the requester nobody answered in time.
func (d *Dispatcher) NotifyExpired(ctx context.Context, r *models.AccessRequest) {
	d.dispatch(ctx, Notice{RecipientID: r.RequesterID, Message: expiredMessage(r)})
}

// Wait blocks until every in-process delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, n Notice) {
	ctx = context.WithoutCancel(ctx)

	d.mu.RLock()
	outbox := d.outbox
	d.mu.RUnlock()

	if outbox != nil {
		err := outbox.Enqueue(ctx, n)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("type", n.Message.Payload.Type).
			Msg("enqueueing notice failed, delivering in process")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Deliver(ctx, n); err != nil {
			log.Warn().Err(err).
				Str("recipient", n.RecipientID).
				Str("type", n.Message.Payload.Type).
				Str("request_id", n.Message.Payload.RequestID).
				Msg("notification not delivered")
		}
	}()
}

// Deliver sends n synchronously, retrying up to the configured attempt
// count. The returned error wraps accesserr.ErrTransportFailure.
func (d *Dispatcher) Deliver(ctx context.Context, n Notice) error {
	kind, address, err := d.route(ctx, n.RecipientID)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(n.Message.Payload.Type, "failed").Inc()
		return fmt.Errorf("%w: %v", accesserr.ErrTransportFailure, err)
	}
	t, ok := d.transports[kind]
	if !ok {
		metrics.NotificationsSent.WithLabelValues(n.Message.Payload.Type, "failed").Inc()
		return fmt.Errorf("%w: no transport for channel kind %q", accesserr.ErrTransportFailure, kind)
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if attempt > 1 && d.opts.RetryDelay > 0 {
			d.clock.Sleep(d.opts.RetryDelay)
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		lastErr = t.Send(ctx, address, n.Message)
		if lastErr == nil {
			metrics.NotificationsSent.WithLabelValues(n.Message.Payload.Type, "sent").Inc()
			return nil
		}
		log.Debug().Err(lastErr).Int("attempt", attempt).Str("recipient", n.RecipientID).Msg("notification attempt failed")
	}
	metrics.NotificationsSent.WithLabelValues(n.Message.Payload.Type, "failed").Inc()
	return fmt.Errorf("%w: %v", accesserr.ErrTransportFailure, lastErr)
}

// route resolves the recipient's channel. Principals that never registered
// one get the log transport.
func (d *Dispatcher) route(ctx context.Context, principalID string) (models.ChannelKind, string, error) {
	if principalID == "" {
		return "", "", errors.New("notice has no recipient")
	}
	ch, err := d.channels.GetChannel(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ChannelLog, principalID, nil
	}
	if err != nil {
		return "", "", err
	}
	return ch.Kind, ch.Address, nil
}
