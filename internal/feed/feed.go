// Package feed fans notifications out to any number of subscribers.
//
// Publish never blocks. A subscriber whose buffer is full misses the message; one
// registered with SubscribeLatest loses its oldest buffered message instead, so
// the newest value always arrives. Every miss is counted. Messages reach each
// subscriber in Publish order.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// Feed delivers values of T to subscribers.
type Feed[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

type subscriber[T any] struct {
	id         int64
	stream     chan T
	keepLatest bool
	offerMu    sync.Mutex
	closeOnce  sync.Once
}

func (s *subscriber[T]) close() {
	s.closeOnce.Do(func() {
		close(s.stream)
	})
}

// New returns a feed whose subscriber buffers hold bufferSize messages.
func New[T any](bufferSize int) *Feed[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Feed[T]{
		subscribers: make(map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber until ctx ends or cleanup is called.
// The returned stream is closed on cleanup.
func (f *Feed[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	return f.subscribe(ctx, false)
}

// SubscribeLatest is Subscribe for consumers that must see the newest value: on
// overflow the oldest buffered message is evicted.
func (f *Feed[T]) SubscribeLatest(ctx context.Context) (<-chan T, func()) {
	return f.subscribe(ctx, true)
}

func (f *Feed[T]) subscribe(ctx context.Context, keepLatest bool) (<-chan T, func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	f.nextID++
	sub := &subscriber[T]{
		id:         f.nextID,
		stream:     make(chan T, f.bufferSize),
		keepLatest: keepLatest,
	}
	f.subscribers[sub.id] = sub
	f.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregister(sub.id)
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cleanup()
		}()
	}
	return sub.stream, cleanup
}

// Publish offers message to every subscriber.
func (f *Feed[T]) Publish(message T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, sub := range f.subscribers {
		if sub.keepLatest {
			f.offerLatest(sub, message)
			continue
		}
		select {
		case sub.stream <- message:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *Feed[T]) offerLatest(sub *subscriber[T], message T) {
	sub.offerMu.Lock()
	defer sub.offerMu.Unlock()
	for {
		select {
		case sub.stream <- message:
			return
		default:
		}
		select {
		case <-sub.stream:
			f.dropped.Add(1)
		default:
		}
	}
}

// Len reports the number of live subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (f *Feed[T]) Dropped() int64 {
	return f.dropped.Load()
}

// Close ends every subscription. Later subscribers receive a closed stream.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subscribers {
		sub.close()
		delete(f.subscribers, id)
	}
}

func (f *Feed[T]) unregister(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscribers[id]; ok {
		sub.close()
		delete(f.subscribers, id)
	}
}
