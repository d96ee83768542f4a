package lifecycle

import (
	"context"
	"time"

	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const sweepBatch = 500

// GrantSweeper revokes grants whose timers were lost.
type GrantSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Counter reports live totals for the gauges.
type Counter interface {
	CountPendingRequests(ctx context.Context) (int64, error)
	CountActiveGrants(ctx context.Context, now time.Time) (int64, error)
}

// SweepResult is what one sweep changed.
type SweepResult struct {
	ExpiredRequests int `json:"expired_requests"`
	RevokedGrants   int `json:"revoked_grants"`
}

// Sweeper periodically expires overdue requests and revokes overdue grants.
// Concurrent sweeps, from the ticker and from a job queue, share one run.
type Sweeper struct {
	engine   *Engine
	grants   GrantSweeper
	counts   Counter
	clock    clock.Clock
	interval time.Duration
	group    singleflight.Group
}

func NewSweeper(engine *Engine, grants GrantSweeper, counts Counter, clk clock.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, grants: grants, counts: counts, clock: clk, interval: interval}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	v, err, _ := s.group.Do("sweep", func() (interface{}, error) {
		var res SweepResult
		var err error
		if res.ExpiredRequests, err = s.engine.SweepExpired(ctx, sweepBatch); err != nil {
			return res, err
		}
		if res.RevokedGrants, err = s.grants.SweepExpired(ctx); err != nil {
			return res, err
		}
		s.refreshGauges(ctx)
		return res, nil
	})
	res, _ := v.(SweepResult)
	if err == nil && (res.ExpiredRequests > 0 || res.RevokedGrants > 0) {
		log.Info().Int("expired_requests", res.ExpiredRequests).Int("revoked_grants", res.RevokedGrants).Msg("sweep finished")
	}
	return res, err
}

func (s *Sweeper) refreshGauges(ctx context.Context) {
	if s.counts == nil {
		return
	}
	if n, err := s.counts.CountPendingRequests(ctx); err == nil {
		metrics.PendingRequests.Set(float64(n))
	}
	if n, err := s.counts.CountActiveGrants(ctx, s.clock.Now()); err == nil {
		metrics.ActiveGrants.Set(float64(n))
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	log.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
