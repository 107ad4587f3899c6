package classic

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// Server accepts connections on a single TCP listener and spawns one
// goroutine per connection, mirroring the thread-per-connection design of
// the text-protocol generation.
type Server struct {
	dir *Directory
	log *zap.Logger
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dir: NewDirectory(), log: log}
}

// Serve listens on address until ctx is cancelled.
func (srv *Server) Serve(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	srv.log.Info("classic server listening", zap.String("addr", address))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			sess := newSession(conn, srv.dir, srv.log)
			sess.run()
		}()
	}
}
