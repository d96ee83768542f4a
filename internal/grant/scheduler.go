package grant

import (
	"context"
	"sync"

	"github.com/org/partnerlock/internal/clock"
	"github.com/org/partnerlock/pkg/models"
)

// Scheduler arranges for a grant to be expired at its ExpiresAt. Schedule
// may be called again for the same grant; Cancel on an unknown or already
// fired grant is a no-op.
type Scheduler interface {
	Schedule(ctx context.Context, g *models.AccessGrant) error
	Cancel(ctx context.Context, grantID string)
}

// timerScheduler keeps one in-process clock timer per grant.
type timerScheduler struct {
	clock clock.Clock
	fire  func(grantID string)

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

func newTimerScheduler(clk clock.Clock, fire func(grantID string)) *timerScheduler {
	return &timerScheduler{clock: clk, fire: fire, timers: make(map[string]*clock.Timer)}
}

func (s *timerScheduler) Schedule(ctx context.Context, g *models.AccessGrant) error {
	id := g.ID
	d := g.ExpiresAt.Sub(s.clock.Now())
	if d <= 0 {
		s.fire(id)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	var t *clock.Timer
	t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[id] == t {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.fire(id)
	})
	s.timers[id] = t
	return nil
}

func (s *timerScheduler) Cancel(ctx context.Context, grantID string) {
	s.mu.Lock()
	t, ok := s.timers[grantID]
	delete(s.timers, grantID)
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (s *timerScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
