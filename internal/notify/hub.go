package notify

import (
	"context"
	"sync"

	"github.com/org/partnerlock/internal/metrics"
	"github.com/org/partnerlock/pkg/models"
)

// statusRank orders request statuses for delivery. A subscriber never sees
// a status ranked below one it already received.
func statusRank(s models.RequestStatus) int {
	switch s {
	case models.StatusPending:
		return 0
	case models.StatusConsumed:
		return 2
	default:
		return 1
	}
}

// FinalStatus reports whether a request in s can produce no further updates.
// Request subscriptions end after delivering a final status.
func FinalStatus(s models.RequestStatus) bool {
	switch s {
	case models.StatusDenied, models.StatusExpired, models.StatusConsumed:
		return true
	}
	return false
}

type requestSub struct {
	box        *mailbox[*models.AccessRequest]
	last       models.RequestStatus
	delivered  bool
	terminated bool
}

type accessSub struct {
	box *mailbox[models.AccessState]
	// held collects states published while the initial state loads.
	held   []models.AccessState
	loaded bool
}

// Hub fans out request and access-state changes to live subscribers.
//
// Request subscribers get the current state on subscribe and every later
// change exactly once, in order; the subscription ends by itself after a
// denied, expired or consumed status. Access-state subscribers get every
// published state for their requester, possibly repeated.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	requests map[string]map[uint64]*requestSub
	access   map[string]map[uint64]*accessSub
}

func NewHub() *Hub {
	return &Hub{
		requests: make(map[string]map[uint64]*requestSub),
		access:   make(map[string]map[uint64]*accessSub),
	}
}

// RequestLoader returns the current state of a request.
type RequestLoader func(ctx context.Context, id string) (*models.AccessRequest, error)

// SubscribeRequest calls fn with the request's current state and then with
// every change. fn runs on a goroutine owned by the subscription. The
// returned cancel func is safe to call more than once.
func (h *Hub) SubscribeRequest(ctx context.Context, id string, load RequestLoader, fn func(*models.AccessRequest)) (func(), error) {
	sub := &requestSub{box: newMailbox(fn)}

	h.mu.Lock()
	h.nextID++
	key := h.nextID
	if h.requests[id] == nil {
		h.requests[id] = make(map[uint64]*requestSub)
	}
	h.requests[id][key] = sub
	h.mu.Unlock()
	metrics.Subscribers.Inc()

	cancel := func() {
		h.mu.Lock()
		h.dropRequestLocked(id, key, sub)
		h.mu.Unlock()
	}

	current, err := load(ctx, id)
	if err != nil {
		cancel()
		return nil, err
	}

	h.mu.Lock()
	h.offerLocked(id, key, sub, current)
	h.mu.Unlock()
	return cancel, nil
}

// PublishRequest delivers r to the request's subscribers.
func (h *Hub) PublishRequest(r *models.AccessRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, sub := range h.requests[r.ID] {
		h.offerLocked(r.ID, key, sub, r)
	}
}

func (h *Hub) offerLocked(id string, key uint64, sub *requestSub, r *models.AccessRequest) {
	if sub.terminated {
		return
	}
	if sub.delivered {
		prev, next := statusRank(sub.last), statusRank(r.Status)
		if next < prev || r.Status == sub.last {
			return
		}
	}
	sub.delivered = true
	sub.last = r.Status
	cp := *r
	sub.box.push(&cp)
	if FinalStatus(r.Status) {
		h.dropRequestLocked(id, key, sub)
	}
}

func (h *Hub) dropRequestLocked(id string, key uint64, sub *requestSub) {
	if sub.terminated {
		return
	}
	sub.terminated = true
	sub.box.close()
	delete(h.requests[id], key)
	if len(h.requests[id]) == 0 {
		delete(h.requests, id)
	}
	metrics.Subscribers.Dec()
}

// AccessLoader returns a requester's current access state.
type AccessLoader func(ctx context.Context, requesterID string) (models.AccessState, error)

// SubscribeAccess calls fn with the requester's current access state and then
// with every state published for them until cancelled. The subscriber is
// registered before the state is loaded, so a change that commits in between
// is delivered after the loaded state.
func (h *Hub) SubscribeAccess(ctx context.Context, requesterID string, load AccessLoader, fn func(models.AccessState)) (func(), error) {
	sub := &accessSub{box: newMailbox(fn)}

	h.mu.Lock()
	h.nextID++
	key := h.nextID
	if h.access[requesterID] == nil {
		h.access[requesterID] = make(map[uint64]*accessSub)
	}
	h.access[requesterID][key] = sub
	h.mu.Unlock()
	metrics.Subscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.access[requesterID], key)
			if len(h.access[requesterID]) == 0 {
				delete(h.access, requesterID)
			}
			h.mu.Unlock()
			sub.box.close()
			metrics.Subscribers.Dec()
		})
	}

	current, err := load(ctx, requesterID)
	if err != nil {
		cancel()
		return nil, err
	}

	h.mu.Lock()
	sub.box.push(current)
	for _, st := range sub.held {
		sub.box.push(st)
	}
	sub.held = nil
	sub.loaded = true
	h.mu.Unlock()
	return cancel, nil
}

// PublishAccess delivers state to the requester's access subscribers.
func (h *Hub) PublishAccess(state models.AccessState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.access[state.RequesterID] {
		if !sub.loaded {
			sub.held = append(sub.held, state)
			continue
		}
		sub.box.push(state)
	}
}
