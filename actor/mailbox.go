// Package actor is the small runtime shared by the call coordinator, the
// signaling client and the negotiator worker: an unbounded FIFO mailbox
// drained by exactly one goroutine, and a single-resolution future.
package actor

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO queue with a single consumer. Post never
// blocks, so actors may post into each other's mailboxes without risking a
// deadlock.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	notify chan struct{}
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
	}
}

// Post appends msg to the queue. It reports false when the mailbox is
// already closed and the message was dropped.
func (m *Mailbox[T]) Post(msg T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting messages. Messages already queued are still
// delivered by Run before it returns.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox[T]) next() (msg T, ok bool, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		msg = m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		return msg, true, false
	}
	return msg, false, m.closed
}

// Run hands every message to handle, one at a time and in posting order,
// until the mailbox is closed and drained or ctx is done.
func (m *Mailbox[T]) Run(ctx context.Context, handle func(T)) {
	for {
		msg, ok, closed := m.next()
		if ok {
			handle(msg)
			continue
		}
		if closed {
			return
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return
		}
	}
}
