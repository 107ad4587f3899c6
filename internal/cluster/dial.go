package cluster

import (
	"fmt"
	"net"
	"time"
)

// DialTimeout is the connect timeout used for outbound peer dials.
const DialTimeout = 5 * time.Second

// Dial opens a plain TCP connection to a peer's replica_port address.
// Peer connections skip any WebSocket upgrade handshake — peers are not
// browsers, and the client/peer surfaces intentionally use the same
// length-prefixed JSON codec without the extra framing layer.
func Dial(address string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", address, err)
	}
	return conn, nil
}

// Listen opens the replica-facing listener for this replica's identity.
func Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen %s: %w", address, err)
	}
	return ln, nil
}
