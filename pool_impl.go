package cqlpool

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// maxExcessFactor bounds the connections to wrong shards kept while the pool fills: 10 per shard.
const maxExcessFactor = 10

type openConnFunc func(ctx context.Context, addr string, cfg ConnectionConfig,
	dial func(ctx context.Context) (net.Conn, error)) (*Connection, error)

// Pool keeps connections to one node.
//
// The slot table is read lock-free by the request path. It is written by the maintenance goroutine only.
type Pool struct {
	addr    string
	cfg     Config
	logger  Logger
	metrics *nodeMetrics

	table    atomic.Pointer[slotTable]
	sharder  atomic.Pointer[Sharder]
	keyspace atomic.Pointer[VerifiedKeyspaceName]
	rr       roundRobin
	closed   atomic.Bool

	events chan poolEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// maintenance goroutine state
	limiter    *rate.Limiter
	ports      *shardPortIterator
	shardInfo  *ShardInfo
	excess     []*Connection
	generation uint64

	openConnection openConnFunc // required for tests
}

type slotTable struct {
	slots    []*slot
	perShard bool
}

// exact returns the live connection bound to the shard.
func (t *slotTable) exact(shard Shard) *Connection {
	if t.perShard {
		if int(shard) < len(t.slots) {
			if c := t.slots[shard].live(); c != nil && c.Shard() == shard {
				return c
			}
		}
		return nil
	}

	for _, s := range t.slots {
		if c := s.live(); c != nil && c.Shard() == shard {
			return c
		}
	}
	return nil
}

type slot struct {
	idx  int
	conn atomic.Pointer[Connection]

	lastConnected atomic.Time

	// maintenance goroutine state
	bOff        backoff.BackOff
	maxDelay    time.Duration
	lastDelay   time.Duration
	nextAttempt time.Time
	dialing     bool
}

func newSlot(idx int, cfg Config) *slot {
	bc := backoff.NewExponentialBackOff()
	bc.InitialInterval = cfg.InitialBackoffInterval
	bc.MaxInterval = cfg.MaxBackoffInterval
	bc.MaxElapsedTime = 0
	bc.Clock = cfg.Clock

	if cfg.backoffRandomizationFactor != nil {
		// only for tests. Default backoff interval should be used in production
		bc.RandomizationFactor = *cfg.backoffRandomizationFactor
	}

	bc.Reset() // required to re-setup config options

	return &slot{idx: idx, bOff: bc, maxDelay: cfg.MaxBackoffInterval}
}

func (s *slot) live() *Connection {
	c := s.conn.Load()
	if c == nil || c.IsBroken() {
		return nil
	}
	return c
}

// failed schedules the next connection attempt.
// Delays never decrease until the next success and never exceed the maximum backoff interval.
func (s *slot) failed(now time.Time) time.Duration {
	d := s.bOff.NextBackOff()
	if d < s.lastDelay {
		d = s.lastDelay
	}
	if d > s.maxDelay {
		d = s.maxDelay
	}

	s.lastDelay = d
	s.nextAttempt = now.Add(d)
	return d
}

// connected resets the backoff: the next failure is retried after the initial interval.
func (s *slot) connected(now time.Time) {
	s.bOff.Reset()
	s.lastDelay = 0
	s.nextAttempt = time.Time{}
	s.lastConnected.Store(now)
}

type poolEvent interface{}

type dialResult struct {
	slot *slot
	conn *Connection
	err  error

	// keyspace the connection is bound to
	keyspace *VerifiedKeyspaceName
}

type brokenEvent struct {
	conn *Connection
}

func newPool(addr string, cfg Config) *Pool {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		addr:           addr,
		cfg:            cfg,
		logger:         nodeLogger(cfg.Logger, addr),
		metrics:        cfg.Metrics.forNode(addr),
		events:         make(chan poolEvent),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		limiter:        rate.NewLimiter(rate.Limit(cfg.MaxConnectRate), cfg.MaxConnectRate),
		ports:          newShardPortIterator(cfg.Clock.Now().UnixNano()),
		openConnection: openConnection,
	}

	if cfg.Keyspace != nil {
		ks := *cfg.Keyspace
		p.keyspace.Store(&ks)
	}

	t := &slotTable{perShard: cfg.PoolSize.IsPerShard()}
	for i := 0; i < cfg.PoolSize.slots(0); i++ {
		t.slots = append(t.slots, newSlot(i, cfg))
	}
	p.table.Store(t)

	return p
}

func (p *Pool) start() {
	go p.maintain()
}

func (p *Pool) maintain() {
	defer close(p.done)
	defer p.shutdown()

	for {
		wait := p.fill()
		p.metrics.setHealth(p.Health())

		var (
			timer   *clock.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = p.cfg.Clock.Timer(wait)
			timeout = timer.C
		}

		select {
		case <-p.ctx.Done():
		case ev := <-p.events:
			p.handle(ev)
		case <-timeout:
		}

		if timer != nil {
			timer.Stop()
		}
		if p.ctx.Err() != nil {
			return
		}
	}
}

// fill starts connection attempts for empty slots which are due.
// It returns the time until the next slot is due, 0 when no slot waits.
func (p *Pool) fill() time.Duration {
	now := p.cfg.Clock.Now()

	var wait time.Duration
	for _, s := range p.table.Load().slots {
		if s.dialing || s.live() != nil {
			continue
		}

		if d := s.nextAttempt.Sub(now); d > 0 {
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}

		if !p.limiter.AllowN(now, 1) {
			d := time.Duration(float64(time.Second) / float64(p.limiter.Limit()))
			s.nextAttempt = now.Add(d)
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}

		s.dialing = true
		p.wg.Add(1)
		go p.dial(s, p.dialFunc(s))
	}

	return wait
}

// dialFunc returns the way to reach the shard of the slot.
func (p *Pool) dialFunc(s *slot) func(ctx context.Context) (net.Conn, error) {
	plain := func(ctx context.Context) (net.Conn, error) {
		return p.cfg.Dialer.Dial(ctx, p.addr)
	}

	si := p.shardInfo
	if si == nil || p.cfg.DisableShardAwarePort || !p.table.Load().perShard {
		return plain
	}

	port := si.ShardAwarePort
	if p.cfg.TLSConfig != nil {
		port = si.ShardAwarePortTLS
	}

	d, ok := p.cfg.Dialer.(SourcePortDialer)
	if port == 0 || !ok {
		return plain
	}

	host, _, err := net.SplitHostPort(p.addr)
	if err != nil {
		return plain
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	shard, nr := Shard(s.idx), si.NrShards

	return func(ctx context.Context) (net.Conn, error) {
		return dialShard(ctx, d, addr, shard, nr, p.ports)
	}
}

func (p *Pool) dial(s *slot, dial func(ctx context.Context) (net.Conn, error)) {
	defer p.wg.Done()

	cfg := p.cfg.ConnectionConfig
	cfg.Keyspace = p.keyspace.Load()

	p.metrics.connectAttempt()
	conn, err := p.openConnection(p.ctx, p.addr, cfg, dial)

	p.report(dialResult{slot: s, conn: conn, err: err, keyspace: cfg.Keyspace})
}

// rebind moves a new connection to the keyspace set by UseKeyspace while it was connecting.
func (p *Pool) rebind(r dialResult, ks *VerifiedKeyspaceName) {
	defer p.wg.Done()

	ctx, cancel := p.cfg.Clock.WithTimeout(p.ctx, p.cfg.ConnectTimeout)
	err := r.conn.useKeyspace(ctx, *ks)
	cancel()

	if err != nil {
		_ = r.conn.Close()
		r.conn, r.err = nil, errors.Wrapf(err, "can't bind connection to %s", p.addr)
	}
	r.keyspace = ks

	p.report(r)
}

func (p *Pool) report(r dialResult) {
	select {
	case p.events <- r:
	case <-p.ctx.Done():
		if r.conn != nil {
			_ = r.conn.Close()
		}
	}
}

func (p *Pool) handle(ev poolEvent) {
	switch ev := ev.(type) {
	case dialResult:
		p.handleDialResult(ev)
	case brokenEvent:
		p.handleBroken(ev.conn)
	}
}

func (p *Pool) handleDialResult(r dialResult) {
	now := p.cfg.Clock.Now()

	// the slot keeps dialing until the connection uses the current keyspace
	if ks := p.keyspace.Load(); r.err == nil && ks != nil && ks != r.keyspace {
		p.wg.Add(1)
		go p.rebind(r, ks)
		return
	}
	r.slot.dialing = false

	if r.err != nil {
		p.metrics.connectFailure()
		retryAfter := r.slot.failed(now)
		logWarn(p.logger, "msg", "can't open connection", "slot", r.slot.idx, "err", r.err, "retry_after", retryAfter)
		return
	}

	si := r.conn.ShardInfo()
	if si != nil {
		p.learnShards(si)
	}

	t := p.table.Load()
	target := r.slot
	if t.perShard && si != nil && int(si.Shard) < len(t.slots) {
		target = t.slots[si.Shard]
	}

	if target.live() != nil {
		p.keepExcess(r.conn)
		return
	}

	p.install(target, r.conn, now)

	if p.full() {
		p.closeExcess()
	}
}

// learnShards grows the slot table once the shard count of the node is known.
func (p *Pool) learnShards(si *ShardInfo) {
	if p.shardInfo == nil || p.shardInfo.NrShards != si.NrShards {
		s := si.Sharder()
		p.sharder.Store(&s)
	}
	p.shardInfo = si

	t := p.table.Load()
	if !t.perShard || len(t.slots) >= si.NrShards {
		return
	}

	grown := &slotTable{perShard: true, slots: make([]*slot, si.NrShards)}
	copy(grown.slots, t.slots)
	for i := len(t.slots); i < si.NrShards; i++ {
		grown.slots[i] = newSlot(i, p.cfg)
	}

	p.table.Store(grown)
	logInfo(p.logger, "msg", "shard count discovered", "shards", si.NrShards)
}

func (p *Pool) install(s *slot, c *Connection, now time.Time) {
	p.generation++
	c.generation = p.generation

	if old := s.conn.Swap(c); old != nil {
		_ = old.Close()
	}
	s.connected(now)

	p.wg.Add(1)
	go p.watch(c)

	logDebug(p.logger, "msg", "slot connected", "slot", s.idx, "shard", c.Shard(), "generation", c.generation)
}

// watch reports the connection to the maintenance goroutine once it breaks.
func (p *Pool) watch(c *Connection) {
	defer p.wg.Done()

	select {
	case <-c.Broken():
	case <-p.ctx.Done():
		return
	}

	select {
	case p.events <- brokenEvent{conn: c}:
	case <-p.ctx.Done():
	}
}

func (p *Pool) handleBroken(c *Connection) {
	for i, e := range p.excess {
		if e == c {
			p.excess = append(p.excess[:i], p.excess[i+1:]...)
			return
		}
	}

	for _, s := range p.table.Load().slots {
		if s.conn.CompareAndSwap(c, nil) {
			retryAfter := s.failed(p.cfg.Clock.Now())
			logWarn(p.logger, "msg", "connection broken", "slot", s.idx, "shard", c.Shard(),
				"err", c.Err(), "retry_after", retryAfter)
			return
		}
	}
}

func (p *Pool) keepExcess(c *Connection) {
	limit := maxExcessFactor * len(p.table.Load().slots)
	if len(p.excess) >= limit {
		logDebug(p.logger, "msg", "too many connections to wrong shards", "count", len(p.excess)+1)
		_ = c.Close()
		p.closeExcess()
		return
	}

	p.excess = append(p.excess, c)
	p.wg.Add(1)
	go p.watch(c)
}

func (p *Pool) closeExcess() {
	for _, c := range p.excess {
		_ = c.Close()
	}
	p.excess = nil
}

func (p *Pool) full() bool {
	for _, s := range p.table.Load().slots {
		if s.live() == nil {
			return false
		}
	}
	return true
}

func (p *Pool) shutdown() {
	for _, s := range p.table.Load().slots {
		if c := s.conn.Swap(nil); c != nil {
			_ = c.Close()
		}
	}
	p.closeExcess()
}
