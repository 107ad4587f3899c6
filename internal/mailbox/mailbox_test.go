package mailbox

import (
	"context"
	"testing"
	"time"
)

func TestMailboxFIFOOrder(t *testing.T) {
	box := New[int]()
	box.Put(1)
	box.Put(2)
	box.Put(3)

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		got, ok := box.Next(ctx)
		if !ok || got != want {
			t.Fatalf("got (%v, %v), want (%v, true)", got, ok, want)
		}
	}
}

func TestMailboxNextBlocksUntilPut(t *testing.T) {
	box := New[string]()
	done := make(chan string, 1)
	go func() {
		v, ok := box.Next(context.Background())
		if !ok {
			done <- "closed"
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Next returned before any value was put")
	default:
	}

	box.Put("hello")
	select {
	case v := <-done:
		if v != "hello" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Next to unblock")
	}
}

func TestMailboxNextRespectsCancellation(t *testing.T) {
	box := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := box.Next(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Next to report false after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to unblock Next")
	}
}

func TestMailboxCloseUnblocksNext(t *testing.T) {
	box := New[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := box.Next(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	box.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Next to report false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Close to unblock Next")
	}
}

func TestTableInstallRemoveLastWins(t *testing.T) {
	table := NewTable[int]()

	first := table.Install("alice")
	second := table.Install("alice")

	table.PutNowait("alice", 42)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := first.Next(ctx); ok {
		t.Fatal("expected the superseded mailbox not to be delivered to")
	}

	v, ok := second.Next(context.Background())
	if !ok || v != 42 {
		t.Fatalf("got (%v, %v), want (42, true)", v, ok)
	}
}

func TestTableRemoveDoesNotClobberLaterInstall(t *testing.T) {
	table := NewTable[int]()

	first := table.Install("bob")
	second := table.Install("bob")

	table.Remove("bob", first)
	table.PutNowait("bob", 7)

	v, ok := second.Next(context.Background())
	if !ok || v != 7 {
		t.Fatalf("expected the still-current mailbox to receive the value, got (%v, %v)", v, ok)
	}
}

func TestTablePutNowaitWithoutMailboxIsNoop(t *testing.T) {
	table := NewTable[int]()
	table.PutNowait("nobody", 1) // must not panic or block
}
