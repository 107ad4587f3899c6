package chatcore

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/cluster"
	"github.com/dusklabs/relaychat/internal/wire"
)

// Cluster implements the specification's membership-gossip RPC: report
// the addresses currently in the peer registry.
func (s *Service) Cluster(context.Context) (wire.Peers, error) {
	if s.registry == nil {
		return wire.Peers{}, errNotReplicated
	}
	return wire.Peers{Peers: s.registry.Addresses()}, nil
}

// StreamSender is the callback the replica transport supplies for writing
// one frame of a Firehose/UserUpdate response stream.
type StreamSender[T any] func(T) error

// Firehose implements the specification's message-replication stream: a
// full state-transfer of the local log in sent-ascending order, followed
// by a live subscription to newly appended/replicated messages. It blocks
// until ctx is cancelled or send returns an error.
func (s *Service) Firehose(ctx context.Context, req wire.Peer, send StreamSender[wire.ReplicatedMessage]) error {
	if s.registry == nil {
		return errNotReplicated
	}

	s.registry.AddStream(req.Address)
	defer s.registry.ReleaseStream(req.Address)

	rows, err := s.store.ScanMessages(ctx, "")
	if err != nil {
		return internalError(err)
	}
	for _, m := range rows {
		if err := send(wire.ReplicatedMessage{
			From:    m.From,
			Message: wire.ChatMessage{Username: m.To, Text: m.Text},
			Sent:    m.Sent,
		}); err != nil {
			return err
		}
	}

	if req.New {
		go func() {
			if err := s.consumeFirehose(req.Address, false); err != nil {
				s.log.Debug("reciprocal firehose ended", zap.String("peer", req.Address), zap.Error(err))
			}
		}()
	}

	sub := s.firehose.Add()
	defer sub.Remove()
	for {
		payload, ok := sub.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := send(payload); err != nil {
			return err
		}
	}
}

// UserUpdate implements the specification's account-directory
// replication stream: full user-table transfer, then a live subscription.
func (s *Service) UserUpdate(ctx context.Context, req wire.Peer, send StreamSender[wire.InitialRequest]) error {
	if s.registry == nil {
		return errNotReplicated
	}

	s.registry.AddStream(req.Address)
	defer s.registry.ReleaseStream(req.Address)

	creds, err := s.store.ScanUsers(ctx)
	if err != nil {
		return internalError(err)
	}
	for _, c := range creds {
		if err := send(wire.InitialRequest{
			Create: true,
			User:   wire.Authentication{Username: c.Name, Password: c.Password},
		}); err != nil {
			return err
		}
	}

	if req.New {
		go func() {
			if err := s.consumeUserUpdate(req.Address, false); err != nil {
				s.log.Debug("reciprocal user-update ended", zap.String("peer", req.Address), zap.Error(err))
			}
		}()
	}

	sub := s.userUpdates.Add()
	defer sub.Remove()
	for {
		payload, ok := sub.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := send(payload); err != nil {
			return err
		}
	}
}

// Outreach implements the specification's startup bootstrap sequence
// (§4.4): dial the configured cluster address, fetch its peer list via
// Cluster(), then open both a Firehose and a UserUpdate subscription
// (new=true) to it and to every peer it reported.
func (s *Service) Outreach(ctx context.Context, bootstrap string) error {
	if s.registry == nil {
		return errNotReplicated
	}

	conn, err := cluster.Dial(bootstrap)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, wire.KindCluster, wire.Empty{}); err != nil {
		conn.Close()
		return err
	}
	frame, err := wire.ReadFrame(conn)
	conn.Close()
	if err != nil {
		return err
	}
	var peers wire.Peers
	if err := wire.DecodeInto(frame.Payload, &peers); err != nil {
		return err
	}

	addresses := append([]string{bootstrap}, peers.Peers...)
	for _, addr := range addresses {
		addr := addr
		go func() {
			if err := s.consumeFirehose(addr, true); err != nil {
				s.log.Debug("firehose outreach ended", zap.String("peer", addr), zap.Error(err))
			}
		}()
		go func() {
			if err := s.consumeUserUpdate(addr, true); err != nil {
				s.log.Debug("user-update outreach ended", zap.String("peer", addr), zap.Error(err))
			}
		}()
	}
	return nil
}

// consumeFirehose dials address, opens a Firehose subscription, and
// applies every received payload to the local store via save(), treating
// duplicate-key errors as idempotent no-ops.
func (s *Service) consumeFirehose(address string, new bool) error {
	return s.consume(address, wire.KindFirehose, new, func(payload []byte) error {
		var rm wire.ReplicatedMessage
		if err := wire.DecodeInto(payload, &rm); err != nil {
			return err
		}
		return s.save(context.Background(), rm)
	})
}

// consumeUserUpdate dials address, opens a UserUpdate subscription, and
// applies every received directive via updateUser().
func (s *Service) consumeUserUpdate(address string, new bool) error {
	return s.consume(address, wire.KindUserUpdate, new, func(payload []byte) error {
		var req wire.InitialRequest
		if err := wire.DecodeInto(payload, &req); err != nil {
			return err
		}
		return s.updateUser(context.Background(), req)
	})
}

// consume implements the shared outbound-subscription lifecycle: dial,
// send the Peer request, register the stream against the registry for
// its whole lifetime, and apply every subsequent frame until the
// connection ends.
func (s *Service) consume(address, kind string, new bool, apply func(payload []byte) error) error {
	conn, err := cluster.Dial(address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, kind, wire.Peer{New: new, Address: s.identity}); err != nil {
		return err
	}

	s.registry.AddStream(address)
	defer s.registry.ReleaseStream(address)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := apply(frame.Payload); err != nil {
			s.log.Warn("dropping malformed replication payload", zap.String("peer", address), zap.Error(err))
		}
	}
}
