package chatcore

import (
	"context"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/store"
	"github.com/dusklabs/relaychat/internal/wire"
)

// message is the idempotent merge primitive shared by SendMessage and the
// replica service's save(): append to the durable log, then deliver to
// the recipient's local mailbox if one is installed. A duplicate-key
// error from the store (the tuple was already replicated) is treated as
// a no-op success, per specification §4.7.
func (s *Service) message(ctx context.Context, from, to, text, sent string) (string, error) {
	stored, err := s.store.AppendMessage(ctx, from, to, text, sent)
	if err != nil {
		if err == store.ErrDuplicateMessage {
			if s.metrics != nil {
				s.metrics.Messages.DuplicatesMerged.Inc()
			}
			return stored, nil
		}
		return "", internalError(err)
	}
	if s.metrics != nil {
		s.metrics.Messages.MessagesPublished.Inc()
	}
	delivered := s.mailboxes.PutNowait(to, wire.ReceivedMessage{
		Message: wire.ChatMessage{Username: from, Text: text},
		Sent:    stored,
	})
	if delivered && s.metrics != nil {
		s.metrics.Messages.MessagesDelivered.Inc()
	}
	return stored, nil
}

// save adapts a replicated payload from a peer into the message primitive.
func (s *Service) save(ctx context.Context, rm wire.ReplicatedMessage) error {
	_, err := s.message(ctx, rm.From, rm.Message.Username, rm.Message.Text, rm.Sent)
	return err
}

// updateUser applies a create-or-delete directive to the local account
// directory. A duplicate-insert error is swallowed, mirroring the unique
// primary key's natural idempotence for creates; deletes are naturally
// idempotent.
func (s *Service) updateUser(ctx context.Context, req wire.InitialRequest) error {
	if req.Create {
		err := s.store.InsertUser(ctx, req.User.Username, req.User.Password)
		if err != nil && err != store.ErrUserExists {
			return err
		}
		return nil
	}
	return s.store.DeleteUser(ctx, req.User.Username)
}

// Sender is the callback the transport layer supplies to Initiate for
// delivering one frame down the client's long-lived push stream.
type Sender func(wire.ReceivedMessage) error

// Initiate implements the specification's register-or-login-then-stream
// operation (§4.5). It blocks for the lifetime of the client's stream,
// returning when ctx is cancelled (the connection closed) or a fatal
// stream error occurs.
func (s *Service) Initiate(ctx context.Context, req wire.InitialRequest, send Sender) error {
	if err := validateUsername(req.User.Username); err != nil {
		return err
	}

	if req.Create {
		if err := s.store.InsertUser(ctx, req.User.Username, req.User.Password); err != nil {
			if err == store.ErrUserExists {
				return alreadyExists("%q is not available.", req.User.Username)
			}
			return internalError(err)
		}
		if s.userUpdates != nil {
			s.userUpdates.Notify(req)
		}
		if err := send(wire.ReceivedMessage{}); err != nil { // heartbeat
			return err
		}
	} else {
		if err := s.authenticate(ctx, req.User); err != nil {
			return err
		}
		if err := send(wire.ReceivedMessage{}); err != nil { // heartbeat
			return err
		}

		history, err := s.store.ScanMessages(ctx, req.User.Username)
		if err != nil {
			return internalError(err)
		}
		for _, m := range history {
			if err := send(wire.ReceivedMessage{
				Message: wire.ChatMessage{Username: m.From, Text: m.Text},
				Sent:    m.Sent,
			}); err != nil {
				return err
			}
		}
	}

	box := s.mailboxes.Install(req.User.Username)
	defer s.mailboxes.Remove(req.User.Username, box)

	s.log.Info("client attached", zap.String("user", req.User.Username))
	defer s.log.Info("client detached", zap.String("user", req.User.Username))

	for {
		msg, ok := box.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := send(msg); err != nil {
			return err
		}
	}
}

// SendMessage implements specification §4.5: authenticate, append+deliver
// locally, then notify firehose subscribers so peers replicate the row.
func (s *Service) SendMessage(ctx context.Context, req wire.SentMessage) error {
	if err := s.authenticate(ctx, req.User); err != nil {
		return err
	}

	known, err := s.store.UserExists(ctx, req.Message.Username)
	if err != nil {
		return internalError(err)
	}
	if !known {
		return invalidArgument("%s is not a user; try ListUsers to see available users.", req.Message.Username)
	}

	sent, err := s.message(ctx, req.User.Username, req.Message.Username, req.Message.Text, "")
	if err != nil {
		return err
	}

	if s.firehose != nil {
		s.firehose.Notify(wire.ReplicatedMessage{
			From:    req.User.Username,
			Message: req.Message,
			Sent:    sent,
		})
	}
	return nil
}

// DeleteAccount implements specification §4.5: authenticate, delete
// locally, notify peers. The caller's own stream terminates on
// disconnect; no further delivery attempt is made here.
func (s *Service) DeleteAccount(ctx context.Context, req wire.Authentication) error {
	if err := s.authenticate(ctx, req); err != nil {
		return err
	}

	update := wire.InitialRequest{Create: false, User: req}
	if err := s.updateUser(ctx, update); err != nil {
		return internalError(err)
	}
	if s.userUpdates != nil {
		s.userUpdates.Notify(update)
	}
	return nil
}

// ListUsers implements specification §4.5: glob-filtered scan of the
// local directory (cross-peer convergence is eventual, not synchronous).
func (s *Service) ListUsers(ctx context.Context, req wire.Filter) (wire.Users, error) {
	names, err := s.store.ListUsers(ctx, req.Glob)
	if err != nil {
		return wire.Users{}, internalError(err)
	}
	return wire.Users{Usernames: names}, nil
}
