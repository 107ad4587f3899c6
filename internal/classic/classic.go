// Package classic implements the generation-a server: a thread-per-
// connection (here, goroutine-per-connection) text protocol server with
// an in-memory account directory. There is no persistence and no
// replication; every process owns its own directory, which is lost on
// restart.
package classic

import (
	"sync"
)

// User is a registered account together with its live session, if any,
// and a FIFO of messages queued while no session is attached.
type User struct {
	Username string
	Password string

	// gate is held by whichever session currently owns this account,
	// acquired at REGISTER time and on every successful LOGIN. A second
	// LOGIN attempt while it is held is treated as a break-in attempt.
	gate sync.Mutex

	mu      sync.Mutex
	session *Session
	queue   []string
}

func newUser(username, password string) *User {
	u := &User{Username: username, Password: password}
	u.gate.Lock()
	return u
}

// attach installs sess as the live session for u and flushes anything
// queued while it was offline, in FIFO order.
func (u *User) attach(sess *Session) {
	u.mu.Lock()
	u.session = sess
	pending := u.queue
	u.queue = nil
	u.mu.Unlock()

	for _, msg := range pending {
		sess.send(msg)
	}
}

// detach removes sess as the live session, if it is still the current
// one, and releases the login gate.
func (u *User) detach(sess *Session) {
	u.mu.Lock()
	if u.session == sess {
		u.session = nil
	}
	u.mu.Unlock()
	u.gate.Unlock()
}

// online reports whether a session is currently attached.
func (u *User) online() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session != nil
}

// deliver sends message to u's live session, or queues it if none is
// attached.
func (u *User) deliver(message string) {
	u.mu.Lock()
	sess := u.session
	if sess == nil {
		u.queue = append(u.queue, message)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	sess.send(message)
}

// Directory is the in-memory account table, guarded by a single mutex in
// the same way the original design guards its one shared map.
type Directory struct {
	mu    sync.Mutex
	users map[string]*User
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[string]*User)}
}

var errNameTaken = protocolError("username is not available")

// register creates a new account and returns its User, already gated to
// the caller.
func (d *Directory) register(username, password string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users[username]; exists {
		return nil, errNameTaken
	}
	u := newUser(username, password)
	d.users[username] = u
	return u, nil
}

func (d *Directory) lookup(username string) (*User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	return u, ok
}

func (d *Directory) delete(username string) {
	d.mu.Lock()
	delete(d.users, username)
	d.mu.Unlock()
}

// list returns usernames matching pattern together with their online
// status, in the iteration order of the underlying map (unordered).
func (d *Directory) list(pattern string) ([]matchedUser, error) {
	d.mu.Lock()
	snapshot := make([]*User, 0, len(d.users))
	for _, u := range d.users {
		snapshot = append(snapshot, u)
	}
	d.mu.Unlock()

	matcher, err := compileGlob(pattern)
	if err != nil {
		return nil, err
	}

	var out []matchedUser
	for _, u := range snapshot {
		if matcher(u.Username) {
			out = append(out, matchedUser{Username: u.Username, Online: u.online()})
		}
	}
	return out, nil
}

type matchedUser struct {
	Username string
	Online   bool
}

// protocolError is a malformed-request or rule-violation condition
// reported back to the offending client as an ERROR frame; the session
// itself continues.
type protocolError string

func (e protocolError) Error() string { return string(e) }
