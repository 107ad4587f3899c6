// Package fanout implements the two in-memory broadcast lists described
// in the specification — one for replicated messages, one for replicated
// user updates — each holding the per-peer outbound queue for every
// currently attached peer. Add and remove-by-handle are O(1); Notify
// enqueues on every live subscriber without blocking.
package fanout

import (
	"context"
	"sync"

	"github.com/dusklabs/relaychat/internal/mailbox"
)

// Subscription is a handle returned by List.Add; call Remove when the
// owning stream ends.
type Subscription[T any] struct {
	list *List[T]
	box  *mailbox.Mailbox[T]
	id   uint64
}

// Next blocks for the subscription's next payload.
func (s *Subscription[T]) Next(ctx context.Context) (T, bool) {
	return s.box.Next(ctx)
}

// Remove detaches the subscription from its list. Safe to call more than
// once.
func (s *Subscription[T]) Remove() {
	s.list.remove(s.id)
}

// List is a broadcast list of subscriber mailboxes.
type List[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*mailbox.Mailbox[T]
}

func NewList[T any]() *List[T] {
	return &List[T]{subs: make(map[uint64]*mailbox.Mailbox[T])}
}

// Add registers a new subscriber and returns its handle.
func (l *List[T]) Add() *Subscription[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	box := mailbox.New[T]()
	l.subs[id] = box
	return &Subscription[T]{list: l, box: box, id: id}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	box, ok := l.subs[id]
	delete(l.subs, id)
	l.mu.Unlock()
	if ok {
		box.Close()
	}
}

// Notify enqueues payload on every currently registered subscriber.
// Enqueueing never blocks; a slow peer accumulates an unbounded backlog
// rather than applying backpressure to the caller (a deliberate design
// choice the specification calls out — see the replication fabric notes).
func (l *List[T]) Notify(payload T) {
	l.mu.Lock()
	boxes := make([]*mailbox.Mailbox[T], 0, len(l.subs))
	for _, box := range l.subs {
		boxes = append(boxes, box)
	}
	l.mu.Unlock()

	for _, box := range boxes {
		box.Put(payload)
	}
}
