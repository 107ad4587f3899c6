package store

import (
	"context"
	"path/filepath"
	"testing"
)

func open(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertUserRejectsDuplicate(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	if err := s.InsertUser(ctx, "alice", "pw"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertUser(ctx, "alice", "other"); err != ErrUserExists {
		t.Fatalf("second insert err = %v, want ErrUserExists", err)
	}
}

func TestExistsUserChecksPassword(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	_ = s.InsertUser(ctx, "alice", "pw")

	ok, err := s.ExistsUser(ctx, "alice", "pw")
	if err != nil || !ok {
		t.Fatalf("got (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.ExistsUser(ctx, "alice", "wrong")
	if err != nil || ok {
		t.Fatalf("got (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = s.ExistsUser(ctx, "bob", "pw")
	if err != nil || ok {
		t.Fatalf("unknown user: got (%v, %v), want (false, nil)", ok, err)
	}
}

func TestUserExistsIgnoresPassword(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	_ = s.InsertUser(ctx, "alice", "pw")

	ok, err := s.UserExists(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("got (%v, %v)", ok, err)
	}
	ok, err = s.UserExists(ctx, "bob")
	if err != nil || ok {
		t.Fatalf("got (%v, %v)", ok, err)
	}
}

func TestDeleteUserCascadesMessages(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	_ = s.InsertUser(ctx, "alice", "pw")
	_ = s.InsertUser(ctx, "bob", "pw")
	if _, err := s.AppendMessage(ctx, "alice", "bob", "hi", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	ok, err := s.UserExists(ctx, "alice")
	if err != nil || ok {
		t.Fatalf("expected alice gone, got (%v, %v)", ok, err)
	}

	rows, err := s.ScanMessages(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected cascaded delete to remove alice's message, got %d rows", len(rows))
	}
}

func TestListUsersGlobFilter(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "alicia", "bob"} {
		_ = s.InsertUser(ctx, name, "pw")
	}

	matches, err := s.ListUsers(ctx, "ali*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %v", matches)
	}

	all, err := s.ListUsers(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %v", all)
	}
}

func TestAppendMessageDuplicateKeyIsIdempotent(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	_ = s.InsertUser(ctx, "alice", "pw")
	_ = s.InsertUser(ctx, "bob", "pw")

	sent, err := s.AppendMessage(ctx, "alice", "bob", "hi", "2024-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.AppendMessage(ctx, "alice", "bob", "hi", sent)
	if err != ErrDuplicateMessage {
		t.Fatalf("err = %v, want ErrDuplicateMessage", err)
	}

	rows, err := s.ScanMessages(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected duplicate to be rejected, got %d rows", len(rows))
	}
}

func TestScanMessagesOrderedBySentAscending(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	_ = s.InsertUser(ctx, "alice", "pw")
	_ = s.InsertUser(ctx, "bob", "pw")

	timestamps := []string{
		"2024-01-01T00:00:02.000Z",
		"2024-01-01T00:00:01.000Z",
		"2024-01-01T00:00:03.000Z",
	}
	for _, ts := range timestamps {
		if _, err := s.AppendMessage(ctx, "alice", "bob", "msg", ts); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ScanMessages(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].Sent > rows[i].Sent {
			t.Fatalf("rows not ordered: %v", rows)
		}
	}
}

func TestScanMessagesFiltersByParticipant(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob", "carol"} {
		_ = s.InsertUser(ctx, name, "pw")
	}
	_, _ = s.AppendMessage(ctx, "alice", "bob", "a->b", "")
	_, _ = s.AppendMessage(ctx, "bob", "carol", "b->c", "")

	rows, err := s.ScanMessages(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected bob's two messages (sender or recipient), got %d", len(rows))
	}

	rows, err = s.ScanMessages(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected carol's single message, got %d", len(rows))
	}
}
