// Package chatcore implements the client-facing and replica-facing RPC
// surfaces described in the specification: Initiate, SendMessage,
// DeleteAccount, ListUsers (the client service) and Cluster, Firehose,
// UserUpdate (the replica service), unified around the shared idempotent
// merge primitives (`message`, `save`, `updateUser`) that make the
// replication layer converge under eventual, duplicate-tolerant delivery.
package chatcore

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/cluster"
	"github.com/dusklabs/relaychat/internal/fanout"
	"github.com/dusklabs/relaychat/internal/mailbox"
	"github.com/dusklabs/relaychat/internal/metrics"
	"github.com/dusklabs/relaychat/internal/store"
	"github.com/dusklabs/relaychat/internal/wire"
)

// Service is one replica's full core state machine: account directory and
// message log (via Store), per-attached-client mailboxes, the two
// replication fan-out lists, and (for generation c) the peer registry and
// this replica's externally reachable identity.
//
// A Service is safe for concurrent use from many goroutines — unlike the
// specification's reference design, which runs everything on one
// cooperative event loop and therefore needs no locking at all, this
// implementation runs on a preemptive scheduler and so guards the store
// and registry accordingly (the store serializes through its single
// pooled connection; the registry has its own mutex; the mailbox table
// and fan-out lists are internally synchronized).
type Service struct {
	identity string // "" for the non-replicated generation b
	store    *store.Store
	mailboxes *mailbox.Table[wire.ReceivedMessage]
	firehose    *fanout.List[wire.ReplicatedMessage]
	userUpdates *fanout.List[wire.InitialRequest]
	registry    *cluster.Registry
	metrics     *metrics.Registry
	log         *zap.Logger
}

// Options configures a new Service.
type Options struct {
	// Identity is this replica's externally reachable replica_port
	// address ("host:port"). Leave empty for generation b (no
	// replication): Cluster/Firehose/UserUpdate are then unavailable.
	Identity string
	Store    *store.Store
	Log      *zap.Logger
	// Metrics is optional; when nil the service simply doesn't export
	// Prometheus counters/gauges.
	Metrics *metrics.Registry
}

func New(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		identity:    opts.Identity,
		store:       opts.Store,
		mailboxes:   mailbox.NewTable[wire.ReceivedMessage](),
		firehose:    fanout.NewList[wire.ReplicatedMessage](),
		userUpdates: fanout.NewList[wire.InitialRequest](),
		metrics:     opts.Metrics,
		log:         log,
	}
	if opts.Identity != "" {
		s.registry = cluster.NewRegistry(log, nil, nil, opts.Metrics)
	}
	return s
}

// Replicated reports whether this service has a peer registry (generation
// c) as opposed to running standalone (generation b).
func (s *Service) Replicated() bool {
	return s.registry != nil
}

func invalidArgument(format string, args ...any) *wire.StatusError {
	return &wire.StatusError{Code: wire.CodeInvalidArgument, Detail: fmt.Sprintf(format, args...)}
}

func alreadyExists(format string, args ...any) *wire.StatusError {
	return &wire.StatusError{Code: wire.CodeAlreadyExists, Detail: fmt.Sprintf(format, args...)}
}

func internalError(err error) *wire.StatusError {
	return &wire.StatusError{Code: wire.CodeInternal, Detail: err.Error()}
}

// authenticate checks a username/password pair against the local
// directory, returning an INVALID_ARGUMENT status error on mismatch, per
// specification §4.5/§7.
func (s *Service) authenticate(ctx context.Context, auth wire.Authentication) error {
	ok, err := s.store.ExistsUser(ctx, auth.Username, auth.Password)
	if err != nil {
		return internalError(err)
	}
	if !ok {
		return invalidArgument("Incorrect username or password.")
	}
	return nil
}

// validateUsername rejects empty names or names containing whitespace,
// per specification §4.5 step 1 / scenario S3.
func validateUsername(name string) error {
	if name == "" {
		return invalidArgument("Invalid username (whitespace or empty).")
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return invalidArgument("Invalid username (whitespace or empty).")
		}
	}
	return nil
}

var errNotReplicated = errors.New("chatcore: replica surface is unavailable on a non-replicated service")
