// Package transport implements the client-facing listener for
// generations b/c: a TCP accept loop that upgrades each connection to a
// WebSocket per gobwas/ws (mirroring the teacher server's transport
// shape), then dispatches length-delineated wire frames to the chat
// core's client service.
//
// Each connection carries a pipeline of unary SendMessage/DeleteAccount/
// ListUsers calls, optionally ended by one long-lived Initiate push
// stream. Once Initiate starts it owns the connection and no further
// client requests are read from it, since Initiate's server-push loop
// has no opportunity to interleave with them on the same byte stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/chatcore"
	"github.com/dusklabs/relaychat/internal/config"
	"github.com/dusklabs/relaychat/internal/metrics"
	"github.com/dusklabs/relaychat/internal/wire"
)

// Server handles TCP listening and WebSocket upgrades for the client
// surface: each connection's frames are decoded and dispatched into the
// chat core rather than broadcast as raw bytes.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	svc      *chatcore.Service
	metrics  *metrics.Registry
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, logger *zap.Logger, svc *chatcore.Service, metricsRegistry *metrics.Registry) *Server {
	return &Server{cfg: cfg, logger: logger, svc: svc, metrics: metricsRegistry}
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("client transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		if s.metrics != nil {
			s.metrics.Connections.ActiveConnections.Inc()
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
			if s.metrics != nil {
				s.metrics.Connections.ActiveConnections.Dec()
			}
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.logger.Debug("set deadline", zap.Error(err))
	}
	if _, err := ws.Upgrade(conn); err != nil {
		if s.metrics != nil {
			s.metrics.Messages.AcceptErrors.Inc()
		}
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writeCh := make(chan []byte, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, conn, writeCh)
	}()
	defer func() {
		cancel()
		<-done
	}()

	s.readLoop(ctx, conn, writeCh)
}

func (s *Server) writeLoop(ctx context.Context, conn net.Conn, writeCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-writeCh:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpBinary, payload); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, writeCh chan<- []byte) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
			continue
		case ws.OpBinary, ws.OpText:
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
			continue
		}

		payload := make([]byte, head.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.logger.Debug("read message data error", zap.Error(err))
			return
		}

		frame, err := wire.DecodeFrame(payload)
		if err != nil {
			s.logger.Warn("malformed client frame", zap.Error(err))
			s.sendError(writeCh, wire.KindError, &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: "malformed frame"})
			continue
		}

		if frame.Kind == wire.KindInitiate {
			s.handleInitiate(ctx, frame, writeCh)
			return // Initiate owns the rest of this connection's lifetime.
		}

		s.handleUnary(ctx, frame, writeCh)
	}
}

func (s *Server) handleInitiate(ctx context.Context, frame wire.Frame, writeCh chan<- []byte) {
	var req wire.InitialRequest
	if err := wire.DecodeInto(frame.Payload, &req); err != nil {
		s.sendError(writeCh, wire.KindInitiate, &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: "malformed request"})
		return
	}

	err := s.svc.Initiate(ctx, req, func(msg wire.ReceivedMessage) error {
		encoded, encErr := wire.EncodeFrame(wire.KindInitiate, msg)
		if encErr != nil {
			return encErr
		}
		select {
		case writeCh <- encoded:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		var status *wire.StatusError
		if errors.As(err, &status) {
			s.sendError(writeCh, wire.KindInitiate, status)
		}
	}
}

func (s *Server) handleUnary(ctx context.Context, frame wire.Frame, writeCh chan<- []byte) {
	var (
		resp any
		err  error
	)

	switch frame.Kind {
	case wire.KindSendMessage:
		var req wire.SentMessage
		if decErr := wire.DecodeInto(frame.Payload, &req); decErr != nil {
			s.sendError(writeCh, frame.Kind, &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: "malformed request"})
			return
		}
		err = s.svc.SendMessage(ctx, req)
		resp = wire.Empty{}

	case wire.KindDeleteAccount:
		var req wire.Authentication
		if decErr := wire.DecodeInto(frame.Payload, &req); decErr != nil {
			s.sendError(writeCh, frame.Kind, &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: "malformed request"})
			return
		}
		err = s.svc.DeleteAccount(ctx, req)
		resp = wire.Empty{}

	case wire.KindListUsers:
		var req wire.Filter
		if decErr := wire.DecodeInto(frame.Payload, &req); decErr != nil {
			s.sendError(writeCh, frame.Kind, &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: "malformed request"})
			return
		}
		var users wire.Users
		users, err = s.svc.ListUsers(ctx, req)
		resp = users

	default:
		s.sendError(writeCh, frame.Kind, &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: "unknown operation"})
		return
	}

	if err != nil {
		var status *wire.StatusError
		if errors.As(err, &status) {
			s.sendError(writeCh, frame.Kind, status)
			return
		}
		s.sendError(writeCh, frame.Kind, &wire.StatusError{Code: wire.CodeInternal, Detail: err.Error()})
		return
	}

	encoded, encErr := wire.EncodeFrame(frame.Kind, resp)
	if encErr != nil {
		s.logger.Warn("encode response failed", zap.Error(encErr))
		return
	}
	select {
	case writeCh <- encoded:
	case <-ctx.Done():
	}
}

// sendError tags status with the RPC kind that failed before wrapping it
// in a KindError frame, so a client juggling several requests on the same
// connection can tell which one the error belongs to.
func (s *Server) sendError(writeCh chan<- []byte, kind string, status *wire.StatusError) {
	status.Kind = kind
	encoded, err := wire.EncodeFrame(wire.KindError, status)
	if err != nil {
		return
	}
	select {
	case writeCh <- encoded:
	default:
	}
}
