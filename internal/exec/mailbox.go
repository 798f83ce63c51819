package exec

import "sync"

// Mailbox is a thread-safe FIFO for inbound signals to a single runner.
//
// The mailbox is unbounded so signal producers (HTTP handlers, the
// compute pipeline) never block on a suspended runner. Thread-safety is
// provided for external posting while the runner's single goroutine
// drains.
//
// A buffered signal channel (size 1) coalesces wakeups and enables
// context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-mb.Wait():
//	    // drain with TryRecv
//	}
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Post appends an item. Safe from any goroutine.
// Returns false if the mailbox is closed.
func (m *Mailbox[T]) Post(item T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	m.items = append(m.items, item)

	select {
	case m.signal <- struct{}{}:
	default:
	}

	return true
}

// TryRecv removes and returns the front item without blocking.
func (m *Mailbox[T]) TryRecv() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		return zero, false
	}

	item := m.items[0]

	// Nil out the slot so the backing array does not retain the item's
	// pointers until reallocation.
	m.items[0] = zero
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}

	return item, true
}

// Wait returns the wakeup channel. It closes when the mailbox closes.
func (m *Mailbox[T]) Wait() <-chan struct{} {
	return m.signal
}

// Closed reports whether the mailbox has been closed. A closed mailbox
// with Len() == 0 will never produce another item; runners treat that as
// shutdown rather than spinning on the closed wakeup channel.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of pending items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further posts and wakes all waiters.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
