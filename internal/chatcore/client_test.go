package chatcore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dusklabs/relaychat/internal/store"
	"github.com/dusklabs/relaychat/internal/wire"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(Options{Store: db})
}

// streamClient drives one Initiate call on its own goroutine, collecting
// every delivered frame (including the leading heartbeat) so tests can
// assert on ordering without racing the Service.
type streamClient struct {
	frames chan wire.ReceivedMessage
	done   chan error
	cancel context.CancelFunc
}

func startInitiate(svc *Service, req wire.InitialRequest) *streamClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &streamClient{
		frames: make(chan wire.ReceivedMessage, 64),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		c.done <- svc.Initiate(ctx, req, func(m wire.ReceivedMessage) error {
			c.frames <- m
			return nil
		})
	}()
	return c
}

func (c *streamClient) next(t *testing.T) wire.ReceivedMessage {
	t.Helper()
	select {
	case m := <-c.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivered frame")
		panic("unreachable")
	}
}

func (c *streamClient) close() {
	c.cancel()
}

func auth(user, pass string) wire.Authentication {
	return wire.Authentication{Username: user, Password: pass}
}

// S1: register/login round trip, including negative cases.
func TestS1RegisterLoginRoundTrip(t *testing.T) {
	svc := newTestService(t)

	alice := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	alice.next(t) // heartbeat
	alice.close()

	aliceAgain := startInitiate(svc, wire.InitialRequest{Create: false, User: auth("Alice", "pw")})
	aliceAgain.next(t)
	aliceAgain.close()

	wrongPw := svc.Initiate(context.Background(), wire.InitialRequest{Create: false, User: auth("Alice", "wrong")}, func(wire.ReceivedMessage) error { return nil })
	assertInvalidArgument(t, wrongPw, "Incorrect username or password.")

	unknownUser := svc.Initiate(context.Background(), wire.InitialRequest{Create: false, User: auth("Bob", "pw")}, func(wire.ReceivedMessage) error { return nil })
	assertInvalidArgument(t, unknownUser, "Incorrect username or password.")
}

// S2: registering an existing name fails with ALREADY_EXISTS.
func TestS2NameTaken(t *testing.T) {
	svc := newTestService(t)

	first := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	first.next(t)
	first.close()

	err := svc.Initiate(context.Background(), wire.InitialRequest{Create: true, User: auth("Alice", "anything")}, func(wire.ReceivedMessage) error { return nil })
	var status *wire.StatusError
	if !errors.As(err, &status) || status.Code != wire.CodeAlreadyExists {
		t.Fatalf("err = %v, want ALREADY_EXISTS", err)
	}
}

// S3: empty or whitespace-containing usernames are rejected.
func TestS3WhitespaceRejected(t *testing.T) {
	svc := newTestService(t)

	for _, name := range []string{"", "ab cd"} {
		err := svc.Initiate(context.Background(), wire.InitialRequest{Create: true, User: auth(name, "pw")}, func(wire.ReceivedMessage) error { return nil })
		assertInvalidArgument(t, err, "whitespace or empty")
	}
}

// S4: delivery to an attached recipient, in send order.
func TestS4Delivery(t *testing.T) {
	svc := newTestService(t)

	alice := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	alice.next(t)
	defer alice.close()

	bob := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Bob", "pw")})
	bob.next(t)
	defer bob.close()

	if err := svc.SendMessage(context.Background(), wire.SentMessage{
		User:    auth("Alice", "pw"),
		Message: wire.ChatMessage{Username: "Bob", Text: "hi"},
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	received := bob.next(t)
	if received.Message.Username != "Alice" || received.Message.Text != "hi" {
		t.Fatalf("got %+v", received)
	}

	for _, text := range []string{"a", "b", "c"} {
		if err := svc.SendMessage(context.Background(), wire.SentMessage{
			User:    auth("Alice", "pw"),
			Message: wire.ChatMessage{Username: "Bob", Text: text},
		}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got := bob.next(t)
		if got.Message.Text != want {
			t.Fatalf("got %q, want %q", got.Message.Text, want)
		}
	}
}

// S5: messages sent while the recipient is offline replay, in order,
// after re-Initiate.
func TestS5OfflineQueueing(t *testing.T) {
	svc := newTestService(t)

	alice := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	alice.next(t)
	alice.close()
	time.Sleep(20 * time.Millisecond) // let the mailbox teardown land

	bob := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Bob", "pw")})
	bob.next(t)
	defer bob.close()

	for _, text := range []string{"one", "two", "three"} {
		if err := svc.SendMessage(context.Background(), wire.SentMessage{
			User:    auth("Bob", "pw"),
			Message: wire.ChatMessage{Username: "Alice", Text: text},
		}); err != nil {
			t.Fatal(err)
		}
	}

	aliceAgain := startInitiate(svc, wire.InitialRequest{Create: false, User: auth("Alice", "pw")})
	defer aliceAgain.close()
	aliceAgain.next(t) // heartbeat

	for _, want := range []string{"one", "two", "three"} {
		got := aliceAgain.next(t)
		if got.Message.Text != want {
			t.Fatalf("got %q, want %q", got.Message.Text, want)
		}
	}
}

// S8: glob-filtered ListUsers.
func TestS8GlobListing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"Alice", "Alvin", "Bob"} {
		c := startInitiate(svc, wire.InitialRequest{Create: true, User: auth(name, "pw")})
		c.next(t)
		c.close()
	}

	users, err := svc.ListUsers(ctx, wire.Filter{Glob: "Al*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(users.Usernames) != 2 {
		t.Fatalf("got %v", users.Usernames)
	}
}

// S9: deleted accounts disappear from ListUsers and can no longer log in.
func TestS9AccountDeletion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	alice := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	alice.next(t)
	alice.close()
	time.Sleep(20 * time.Millisecond)

	if err := svc.DeleteAccount(ctx, auth("Alice", "pw")); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	users, err := svc.ListUsers(ctx, wire.Filter{Glob: "*"})
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range users.Usernames {
		if u == "Alice" {
			t.Fatal("Alice should no longer be listed")
		}
	}

	err = svc.Initiate(ctx, wire.InitialRequest{Create: false, User: auth("Alice", "pw")}, func(wire.ReceivedMessage) error { return nil })
	assertInvalidArgument(t, err, "Incorrect username or password.")
}

// SendMessage to an unregistered recipient is rejected locally.
func TestSendMessageUnknownRecipient(t *testing.T) {
	svc := newTestService(t)
	alice := startInitiate(svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	alice.next(t)
	defer alice.close()

	err := svc.SendMessage(context.Background(), wire.SentMessage{
		User:    auth("Alice", "pw"),
		Message: wire.ChatMessage{Username: "Ghost", Text: "hi"},
	})
	var status *wire.StatusError
	if !errors.As(err, &status) || status.Code != wire.CodeInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func assertInvalidArgument(t *testing.T, err error, substr string) {
	t.Helper()
	var status *wire.StatusError
	if !errors.As(err, &status) || status.Code != wire.CodeInvalidArgument {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
	if substr != "" && !contains(status.Detail, substr) {
		t.Fatalf("detail = %q, want to contain %q", status.Detail, substr)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
