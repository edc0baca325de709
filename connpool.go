// Package cqlpool keeps shard-aware pools of CQL connections and runs statements over them
// following pluggable retry policies (see package retry).
//
// One Pool serves one node. It keeps one connection per shard of the node (or a fixed number of
// connections), reconnects broken connections in the background with exponential backoff and never
// blocks callers asking for a connection.
//
package cqlpool

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/derElektrobesen/cqlpool/cql"
)

// PoolHealth summarizes the state of a pool.
type PoolHealth struct {
	// Healthy is the number of slots holding a live connection.
	Healthy int
	// Total is the number of slots.
	Total int
	// ShardCount is the number of shards of the node, 0 while unknown or for shard-unaware nodes.
	ShardCount int

	Slots []SlotHealth
}

// SlotHealth describes one slot.
type SlotHealth struct {
	// Shard of the connection in the slot, AnyShard when empty or shard-unaware.
	Shard     Shard
	Connected bool
	// LastConnected is the time the slot got its last connection, zero if it never had one.
	LastConnected time.Time
}

// NewPool creates a pool for the node at addr and starts filling it in the background.
// Close() should be called to release the resources.
func NewPool(addr string, cfg Config) *Pool {
	p := newPool(addr, cfg)
	p.start()
	return p
}

// GetConnection returns a live connection without waiting for any connection attempt.
//
// The connection bound to the hinted shard is preferred; any live connection is returned otherwise.
// exact reports whether the connection returned is bound to the hinted shard: it is always false
// for AnyShard and for shard-unaware nodes.
//
// The error matches cql.ErrNoConnections when no live connection exists and cql.ErrPoolClosed
// after Close.
func (p *Pool) GetConnection(hint Shard) (conn *Connection, exact bool, err error) {
	if p.closed.Load() {
		return nil, false, errors.Wrap(cql.ErrPoolClosed, p.addr)
	}

	t := p.table.Load()

	if hint >= 0 {
		if c := t.exact(hint); c != nil {
			return c, true, nil
		}
	}

	n := len(t.slots)
	start := p.rr.next(n)
	for i := 0; i < n; i++ {
		if c := t.slots[(start+i)%n].live(); c != nil {
			return c, hint >= 0 && c.Shard() == hint, nil
		}
	}

	return nil, false, errors.Wrapf(cql.ErrNoConnections, "node %s", p.addr)
}

// GetConnectionForToken is GetConnection hinted with the shard owning the token.
func (p *Pool) GetConnectionForToken(token int64) (*Connection, bool, error) {
	s := p.sharder.Load()
	if s == nil {
		return p.GetConnection(AnyShard)
	}
	return p.GetConnection(s.ShardOf(token))
}

// Acquire implements ConnectionSource.
func (p *Pool) Acquire(hint Shard) (Requester, error) {
	c, _, err := p.GetConnection(hint)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Sharder returns the token to shard mapping of the node, false while unknown.
func (p *Pool) Sharder() (Sharder, bool) {
	s := p.sharder.Load()
	if s == nil {
		return Sharder{}, false
	}
	return *s, true
}

// UseKeyspace binds every live connection and every future connection of the pool to a keyspace.
// Invalid names fail with cql.ErrInvalidKeyspaceName without any network I/O.
func (p *Pool) UseKeyspace(ctx context.Context, name string, caseSensitive bool) error {
	ks, err := NewVerifiedKeyspaceName(name, caseSensitive)
	if err != nil {
		return err
	}

	if p.closed.Load() {
		return errors.Wrap(cql.ErrPoolClosed, p.addr)
	}

	p.keyspace.Store(&ks)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.table.Load().slots {
		c := s.live()
		if c == nil {
			continue
		}

		g.Go(func() error {
			err := c.useKeyspace(ctx, ks)
			if errors.Is(err, cql.ErrConnectionBroken) || errors.Is(err, cql.ErrConnectionClosing) {
				// the replacement will be bound on connect
				return nil
			}
			return errors.Wrapf(err, "shard %d", c.Shard())
		})
	}

	return g.Wait()
}

// Health returns the current state of the slots.
func (p *Pool) Health() PoolHealth {
	t := p.table.Load()

	h := PoolHealth{
		Total: len(t.slots),
		Slots: make([]SlotHealth, 0, len(t.slots)),
	}
	if s := p.sharder.Load(); s != nil {
		h.ShardCount = s.NrShards()
	}

	for _, s := range t.slots {
		sh := SlotHealth{Shard: AnyShard, LastConnected: s.lastConnected.Load()}
		if c := s.live(); c != nil {
			h.Healthy++
			sh.Connected = true
			sh.Shard = c.Shard()
		}
		h.Slots = append(h.Slots, sh)
	}

	return h
}

// Addr returns the address of the node.
func (p *Pool) Addr() string {
	return p.addr
}

// Close stops the maintenance and closes every connection of the pool.
// Requests in flight fail with cql.ErrConnectionClosing.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	<-p.done
	p.wg.Wait()
	p.metrics.forget()

	logInfo(p.logger, "msg", "pool closed")
	return nil
}
