package feed

import (
	"context"
	"testing"
	"time"
)

func TestFeedPublishesToSubscriberInOrder(t *testing.T) {
	f := New[int](8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := f.Subscribe(ctx)
	defer cleanup()

	for i := 1; i <= 3; i++ {
		f.Publish(i)
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-stream:
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected message within deadline")
		}
	}
}

func TestFeedDropsWhenSubscriberIsFull(t *testing.T) {
	f := New[string](1)
	stream, cleanup := f.Subscribe(context.Background())
	defer cleanup()

	f.Publish("first")
	f.Publish("second")

	if f.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", f.Dropped())
	}
	if got := <-stream; got != "first" {
		t.Fatalf("expected first message to survive, got %q", got)
	}
}

func TestFeedSubscribeLatestEvictsOldest(t *testing.T) {
	f := New[int](2)
	stream, cleanup := f.SubscribeLatest(context.Background())
	defer cleanup()

	for i := 1; i <= 5; i++ {
		f.Publish(i)
	}

	if f.Dropped() != 3 {
		t.Fatalf("expected three evicted deliveries, got %d", f.Dropped())
	}
	for _, want := range []int{4, 5} {
		if got := <-stream; got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestFeedCleanupClosesStreamAndUnregisters(t *testing.T) {
	f := New[int](4)
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := f.Subscribe(ctx)
	if f.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", f.Len())
	}
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream after context cancellation")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("stream was not closed after context cancellation")
	}
	if f.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", f.Len())
	}
}

func TestFeedCloseEndsSubscriptions(t *testing.T) {
	f := New[int](4)
	stream, cleanup := f.Subscribe(context.Background())
	f.Close()
	cleanup()

	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream after Close")
	}
	late, _ := f.Subscribe(context.Background())
	if _, ok := <-late; ok {
		t.Fatal("expected closed stream for subscription after Close")
	}
	f.Publish(1)
}
