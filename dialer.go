package cqlpool

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Dialer interface used to dial a node independently from the specific transport.
type Dialer interface {
	// Dial dials the address passed (host:port of the node or of its shard-aware port).
	//
	// Function should return net.Conn-compatible connection.
	//
	// Function should be implemented in the thread-safe way.
	// Connect timeout is setuped in the context before this function invocation: be sure your function
	// not stuck in the case of timeout.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// SourcePortDialer is implemented by dialers able to bind the local port.
// The pool uses it to reach a specific shard through the shard-aware port of a node.
type SourcePortDialer interface {
	Dialer

	// DialFromPort dials address binding the local side to localPort.
	// It must return an error matching syscall.EADDRINUSE when the port is busy.
	DialFromPort(ctx context.Context, address string, localPort int) (net.Conn, error)
}

// TCPDialer is the default implementation of Dialer interface.
// Use it for raw TCP connections.
type TCPDialer struct {
	d net.Dialer
}

// Dial dials some TCP server using net.Dialer structure.
func (d *TCPDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return d.d.DialContext(ctx, "tcp", address)
}

// DialFromPort dials some TCP server from the local port passed.
func (d *TCPDialer) DialFromPort(ctx context.Context, address string, localPort int) (net.Conn, error) {
	nd := d.d
	nd.LocalAddr = &net.TCPAddr{Port: localPort}
	return nd.DialContext(ctx, "tcp", address)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EADDRNOTAVAIL)
}

// dialShard dials the shard-aware port of a node so that the connection lands on the shard wanted.
// Busy source ports are skipped.
func dialShard(ctx context.Context, d SourcePortDialer, address string, shard Shard, nrShards int,
	ports *shardPortIterator) (net.Conn, error) {

	it := ports.forShard(shard, nrShards)
	for port, ok := it.next(); ok; port, ok = it.next() {
		cn, err := d.DialFromPort(ctx, address, port)
		if err == nil {
			return cn, nil
		}
		if !isAddrInUse(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, errors.Errorf("no free source port for shard %d of %d", shard, nrShards)
}
