// Package cluster holds the transport-level pieces of the peer-to-peer
// replication fabric: a registry of peers addressed by
// "host:replica_port" that tracks their open streams, plus the plain-TCP
// Dial and Listen helpers for the replica surface. The outreach/acceptance
// handshake (the `new` flag) and the accept loop that serves inbound
// Firehose/UserUpdate/Cluster requests live in internal/chatcore.
//
// The registry is shared mutable state touched from multiple goroutines
// (one per peer stream) on a preemptive runtime, so it is guarded by an
// explicit mutex — the
// specification calls this out explicitly as the required substitute for
// the cooperative single-thread model its reference design assumes.
package cluster

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dusklabs/relaychat/internal/metrics"
)

// Peer tracks how many streams (Firehose, UserUpdate, in either direction)
// are currently open against one cluster member. A peer is present in the
// registry exactly as long as at least one stream to it is open.
type Peer struct {
	Address string
	ConnID  string

	mu      sync.Mutex
	streams int
}

func newPeer(address string) *Peer {
	return &Peer{Address: address, ConnID: uuid.NewString()}
}

func (p *Peer) addStream() {
	p.mu.Lock()
	p.streams++
	p.mu.Unlock()
}

// releaseStream reports whether this was the peer's last open stream.
func (p *Peer) releaseStream() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams--
	return p.streams <= 0
}

// Registry is the process-wide map from peer address to liveness state,
// described in the specification's data model (§3, §4.4).
type Registry struct {
	mu      sync.Mutex
	peers   map[string]*Peer
	log     *zap.Logger
	onPeer  func(address string)
	onGone  func(address string)
	metrics *metrics.Registry
}

// NewRegistry creates an empty registry. onPeer/onGone, if non-nil, are
// invoked (outside the registry lock) whenever a peer is first seen or
// its last stream closes. metricsRegistry may be nil, in which case
// stream counts are simply not exported.
func NewRegistry(log *zap.Logger, onPeer, onGone func(address string), metricsRegistry *metrics.Registry) *Registry {
	return &Registry{
		peers:   make(map[string]*Peer),
		log:     log,
		onPeer:  onPeer,
		onGone:  onGone,
		metrics: metricsRegistry,
	}
}

// AddStream registers one more stream against address, adding the peer to
// the registry first if this is its first stream.
func (r *Registry) AddStream(address string) {
	r.mu.Lock()
	peer, ok := r.peers[address]
	if !ok {
		peer = newPeer(address)
		r.peers[address] = peer
	}
	peer.addStream()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Cluster.PeerStreams.Inc()
	}

	if !ok {
		r.log.Info("replica connected", zap.String("address", address), zap.String("conn", peer.ConnID))
		if r.onPeer != nil {
			r.onPeer(address)
		}
	}
}

// ReleaseStream marks one stream against address as finished; when it was
// the peer's last stream, the peer is removed from the registry.
func (r *Registry) ReleaseStream(address string) {
	r.mu.Lock()
	peer, ok := r.peers[address]
	if !ok {
		r.mu.Unlock()
		return
	}
	last := peer.releaseStream()
	if last {
		delete(r.peers, address)
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Cluster.PeerStreams.Dec()
	}

	if last {
		r.log.Info("replica disconnected", zap.String("address", address), zap.String("conn", peer.ConnID))
		if r.onGone != nil {
			r.onGone(address)
		}
	}
}

// Has reports whether address currently has at least one open stream.
func (r *Registry) Has(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[address]
	return ok
}

// Addresses returns every currently registered peer address (used to
// answer Cluster()).
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	return out
}
