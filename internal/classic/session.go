package classic

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/wire"
)

// sessionDeath unwinds a handler on a transport disconnect; it is never
// reported to the client, there being no client left to report to.
type sessionDeath struct{}

func (sessionDeath) Error() string { return "session ended" }

// Session is one client connection. writeMu serializes frames onto the
// socket, since a session's own reply and an asynchronously delivered
// message can race to write.
type Session struct {
	conn   net.Conn
	reader *wire.TextReader
	writeMu sync.Mutex

	dir *Directory
	log *zap.Logger

	user *User
}

func newSession(conn net.Conn, dir *Directory, log *zap.Logger) *Session {
	return &Session{
		conn:   conn,
		reader: wire.NewTextReader(conn),
		dir:    dir,
		log:    log,
	}
}

func (s *Session) peer() string {
	return s.conn.RemoteAddr().String()
}

// send writes one outbound text frame, logging its direction the way
// the reference implementation logs every frame it moves.
func (s *Session) send(message string) {
	s.log.Debug("-> client", zap.String("peer", s.peer()), zap.String("frame", firstLine(message)))
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteText(s.conn, message); err != nil {
		panic(sessionDeath{})
	}
}

func (s *Session) readString() string {
	text, err := s.reader.ReadString()
	if err != nil {
		panic(sessionDeath{})
	}
	s.log.Debug("<- client", zap.String("peer", s.peer()), zap.String("frame", firstLine(text)))
	return text
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// run drives the session to completion: associate (REGISTER/LOGIN), then
// the command loop, recovering a sessionDeath panic as a clean exit.
func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(sessionDeath); !ok {
				panic(r)
			}
		}
		if s.user != nil {
			s.user.detach(s)
		}
	}()

	for s.user == nil {
		if err := s.associate(); err != nil {
			s.send("ERROR " + err.Error())
			continue
		}
		s.send("SUCCESS You are logged in.")
	}

	s.user.attach(s)

	for {
		s.dispatch(s.readString())
	}
}

// associate handles one REGISTER or LOGIN attempt.
func (s *Session) associate() error {
	head := s.readString()
	fields := strings.Fields(head)
	if len(fields) != 2 {
		return protocolError("username must not contain whitespace or be empty")
	}
	command, username := fields[0], fields[1]
	password := s.readString()

	switch command {
	case "REGISTER":
		u, err := s.dir.register(username, password)
		if err != nil {
			return err
		}
		s.user = u
		return nil

	case "LOGIN":
		u, ok := s.dir.lookup(username)
		if !ok {
			return protocolError("incorrect username")
		}
		if u.Password != password {
			return protocolError("incorrect password")
		}
		if !u.gate.TryLock() {
			u.deliver(fmt.Sprintf("ADMIN Someone from %s tried to log in as you and guessed your password correctly.", s.peer()))
			return protocolError(username + " is already logged in; are you trying to break in?")
		}
		s.user = u
		return nil

	default:
		return protocolError("must LOGIN or REGISTER to begin session")
	}
}

func (s *Session) dispatch(line string) {
	fields := strings.SplitN(line, " ", 2)
	switch fields[0] {
	case "DELETE":
		s.delete()
	case "LIST":
		pattern := ""
		if len(fields) == 2 {
			pattern = fields[1]
		}
		s.list(pattern)
	case "MESSAGE":
		s.message(fields)
	default:
		s.send("ERROR unknown command")
	}
}

func (s *Session) delete() {
	s.dir.delete(s.user.Username)
	s.send("DELETED Account deleted; you are being disconnected.")
	panic(sessionDeath{})
}

func (s *Session) list(pattern string) {
	matches, err := s.dir.list(pattern)
	if err != nil {
		s.send("ERROR " + err.Error())
		return
	}
	var b strings.Builder
	b.WriteString("LISTING")
	for _, m := range matches {
		b.WriteByte('\n')
		b.WriteString(m.Username)
		if m.Online {
			b.WriteString(" (online)")
		}
	}
	s.send(b.String())
}

func (s *Session) message(fields []string) {
	if len(fields) != 2 {
		s.send("ERROR incorrect message format")
		return
	}
	parts := strings.SplitN(fields[1], "\n", 2)
	if len(parts) != 2 {
		s.send("ERROR incorrect message format")
		return
	}
	to, body := parts[0], parts[1]

	recipient, ok := s.dir.lookup(to)
	if !ok {
		s.send(fmt.Sprintf("ERROR %s is not a user; try LIST to see available users.", to))
		return
	}
	recipient.deliver(fmt.Sprintf("MESSAGE %s\nSent: %s\n%s", s.user.Username, time.Now().UTC().Format(time.RFC3339Nano), body))
	s.send("SENT")
}
