package chatcore

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/store"
	"github.com/dusklabs/relaychat/internal/wire"
)

// replica bundles a Service with its ReplicaServer on an ephemeral
// loopback port, for exercising the peer-to-peer fabric end to end.
type replica struct {
	svc     *Service
	server  *ReplicaServer
	address string
}

func newReplica(t *testing.T) *replica {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := ln.Addr().String()
	ln.Close()

	svc := New(Options{Identity: address, Store: db, Log: zap.NewNop()})
	srv := NewReplicaServer(svc, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, address) }()
	t.Cleanup(func() { srv.Close() })

	waitForListener(t, address)

	return &replica{svc: svc, server: srv, address: address}
}

func waitForListener(t *testing.T, address string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", address)
}

// S6: two replicas converge both the user directory and the message log
// through the firehose/user-update subscriptions, without a shared
// broker.
func TestS6TwoPeerConvergence(t *testing.T) {
	r1 := newReplica(t)
	r2 := newReplica(t)

	if err := r2.svc.Outreach(context.Background(), r1.address); err != nil {
		t.Fatalf("Outreach: %v", err)
	}

	alice := startInitiate(r1.svc, wire.InitialRequest{Create: true, User: auth("Alice", "pw")})
	alice.next(t)
	defer alice.close()

	bob := startInitiate(r2.svc, wire.InitialRequest{Create: true, User: auth("Bob", "pw")})
	bob.next(t)
	defer bob.close()

	waitForCondition(t, func() bool {
		users, err := r2.svc.ListUsers(context.Background(), wire.Filter{Glob: "*"})
		return err == nil && containsName(users.Usernames, "Alice") && containsName(users.Usernames, "Bob")
	})
	waitForCondition(t, func() bool {
		users, err := r1.svc.ListUsers(context.Background(), wire.Filter{Glob: "*"})
		return err == nil && containsName(users.Usernames, "Alice") && containsName(users.Usernames, "Bob")
	})

	if err := r1.svc.SendMessage(context.Background(), wire.SentMessage{
		User:    auth("Alice", "pw"),
		Message: wire.ChatMessage{Username: "Bob", Text: "hi from r1"},
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	delivered := bob.next(t)
	if delivered.Message.Username != "Alice" || delivered.Message.Text != "hi from r1" {
		t.Fatalf("got %+v", delivered)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true within the deadline")
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestClusterReportsPeers(t *testing.T) {
	r1 := newReplica(t)
	r2 := newReplica(t)

	if err := r2.svc.Outreach(context.Background(), r1.address); err != nil {
		t.Fatal(err)
	}

	waitForCondition(t, func() bool {
		peers, err := r1.svc.Cluster(context.Background())
		return err == nil && containsName(peers.Peers, r2.address)
	})
}

func TestNonReplicatedServiceRejectsReplicaSurface(t *testing.T) {
	svc := newTestService(t)
	if svc.Replicated() {
		t.Fatal("expected a Service with no Identity to report Replicated() == false")
	}
	if _, err := svc.Cluster(context.Background()); err == nil {
		t.Fatal("expected Cluster to fail on a non-replicated service")
	}
}
