package notify

import "sync"

// mailbox runs fn for every pushed value, in order, on its own goroutine.
// push never blocks, so a slow observer cannot stall a state transition.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox[T any](fn func(T)) *mailbox[T] {
	m := &mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run(fn)
	return m
}

func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	m.signal()
	return true
}

// close stops the mailbox once everything already queued has been handled.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run(fn func(T)) {
	defer close(m.done)
	for range m.wake {
		for {
			m.mu.Lock()
			batch := m.queue
			m.queue = nil
			closed := m.closed
			m.mu.Unlock()

			for _, v := range batch {
				fn(v)
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}
