package chatcore

import (
	"context"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/cluster"
	"github.com/dusklabs/relaychat/internal/wire"
)

// ReplicaServer accepts inbound connections on a replica's replica_port
// and dispatches each to the Cluster/Firehose/UserUpdate handler the
// opening frame names, following the same accept-loop/per-connection-
// goroutine shape as the client transport.
type ReplicaServer struct {
	svc *Service
	log *zap.Logger
	ln  net.Listener
	wg  sync.WaitGroup
}

func NewReplicaServer(svc *Service, log *zap.Logger) *ReplicaServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReplicaServer{svc: svc, log: log}
}

// Serve listens on address until ctx is cancelled.
func (r *ReplicaServer) Serve(ctx context.Context, address string) error {
	ln, err := cluster.Listen(address)
	if err != nil {
		return err
	}
	r.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *ReplicaServer) handleConn(parent context.Context, conn net.Conn) {
	defer conn.Close()

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		r.log.Debug("replica connection closed before handshake", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Detect the peer closing its side (or sending anything further,
	// which never legitimately happens once a stream is established) so
	// a blocked send loop below unwinds promptly instead of only on
	// write failure.
	go func() {
		defer cancel()
		for {
			if _, err := wire.ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	switch frame.Kind {
	case wire.KindCluster:
		peers, err := r.svc.Cluster(ctx)
		if err != nil {
			r.log.Warn("cluster request failed", zap.Error(err))
			return
		}
		if err := wire.WriteFrame(conn, wire.KindCluster, peers); err != nil {
			r.log.Debug("cluster response write failed", zap.Error(err))
		}

	case wire.KindFirehose:
		var req wire.Peer
		if err := wire.DecodeInto(frame.Payload, &req); err != nil {
			r.log.Warn("malformed firehose request", zap.Error(err))
			return
		}
		err := r.svc.Firehose(ctx, req, func(rm wire.ReplicatedMessage) error {
			return wire.WriteFrame(conn, wire.KindFirehose, rm)
		})
		if err != nil && err != io.EOF && ctx.Err() == nil {
			r.log.Debug("firehose stream ended", zap.String("peer", req.Address), zap.Error(err))
		}

	case wire.KindUserUpdate:
		var req wire.Peer
		if err := wire.DecodeInto(frame.Payload, &req); err != nil {
			r.log.Warn("malformed user-update request", zap.Error(err))
			return
		}
		err := r.svc.UserUpdate(ctx, req, func(iu wire.InitialRequest) error {
			return wire.WriteFrame(conn, wire.KindUserUpdate, iu)
		})
		if err != nil && err != io.EOF && ctx.Err() == nil {
			r.log.Debug("user-update stream ended", zap.String("peer", req.Address), zap.Error(err))
		}

	default:
		r.log.Warn("unknown replica request kind", zap.String("kind", frame.Kind))
	}
}

// Close stops accepting new connections.
func (r *ReplicaServer) Close() error {
	if r.ln == nil {
		return nil
	}
	return r.ln.Close()
}
