package chatsync

import (
	"context"
	"sync"
)

// Broadcaster fans values out to any number of subscribers. Each subscriber
// owns a buffered channel that is closed when its context ends or the
// broadcaster is closed.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

type subscriber[T any] struct {
	ch   chan T
	done <-chan struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a subscriber for the lifetime of ctx.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, buffer int) <-chan T {
	s := &subscriber[T]{ch: make(chan T, buffer), done: ctx.Done()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { b.remove(s) })
	return s.ch
}

// SubscribeWith is Subscribe with initial queued as the first value.
func (b *Broadcaster[T]) SubscribeWith(ctx context.Context, buffer int, initial T) <-chan T {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber[T]{ch: make(chan T, buffer), done: ctx.Done()}
	s.ch <- initial

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { b.remove(s) })
	return s.ch
}

func (b *Broadcaster[T]) remove(s *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish delivers v to every subscriber, waiting for slow ones until they
// receive, unsubscribe, or ctx ends.
func (b *Broadcaster[T]) Publish(ctx context.Context, v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// Offer delivers v to every subscriber with buffer space and drops it for
// the rest.
func (b *Broadcaster[T]) Offer(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
		}
	}
}

// Replace delivers v to every subscriber, evicting an undelivered older
// value when the buffer is full. Subscribers with a one-slot buffer always
// observe the latest value.
func (b *Broadcaster[T]) Replace(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
