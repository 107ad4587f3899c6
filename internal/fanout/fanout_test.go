package fanout

import (
	"context"
	"testing"
	"time"
)

func TestNotifyReachesAllSubscribers(t *testing.T) {
	list := NewList[string]()
	a := list.Add()
	b := list.Add()

	list.Notify("hello")

	for _, sub := range []*Subscription[string]{a, b} {
		v, ok := sub.Next(context.Background())
		if !ok || v != "hello" {
			t.Fatalf("got (%v, %v), want (hello, true)", v, ok)
		}
	}
}

func TestRemovedSubscriberDoesNotReceive(t *testing.T) {
	list := NewList[int]()
	sub := list.Add()
	sub.Remove()

	list.Notify(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := sub.Next(ctx); ok {
		t.Fatal("expected a removed subscription to never deliver")
	}
}

func TestNotifyPreservesOrderPerSubscriber(t *testing.T) {
	list := NewList[int]()
	sub := list.Add()

	for i := 0; i < 5; i++ {
		list.Notify(i)
	}

	for i := 0; i < 5; i++ {
		v, ok := sub.Next(context.Background())
		if !ok || v != i {
			t.Fatalf("got (%v, %v), want (%v, true)", v, ok, i)
		}
	}
}
