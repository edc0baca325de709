package cqlpool

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/derElektrobesen/cqlpool/cql"
	"github.com/derElektrobesen/cqlpool/frame"
)

func testPoolConfig(t *testing.T) Config {
	return Config{
		ConnectionConfig:       testConnConfig(t),
		InitialBackoffInterval: 10 * time.Millisecond,
		MaxBackoffInterval:     100 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, addr string, cfg Config) *Pool {
	p := NewPool(addr, cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitHealthy(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Health().Healthy == n }, testTimeout, 5*time.Millisecond,
		"pool is not healthy: %+v", p.Health())
}

// gateDialer blocks new dials while closed.
type gateDialer struct {
	TCPDialer

	mu   sync.Mutex
	gate chan struct{}

	dials atomic.Int64
}

func (d *gateDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	d.dials.Inc()

	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return d.TCPDialer.Dial(ctx, address)
}

func (d *gateDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
}

func (d *gateDialer) open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

func testPoolConvergence(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	p := newTestPool(t, n.addr(), testPoolConfig(t))

	var totals []int
	ass.Eventually(func() bool {
		h := p.Health()
		totals = append(totals, h.Total)
		return h.Healthy == 4
	}, testTimeout, time.Millisecond)

	// the slot count is 1 until the shard count is known, then it never changes
	for i, total := range totals {
		ass.Contains([]int{1, 4}, total)
		if i > 0 {
			ass.GreaterOrEqual(total, totals[i-1])
		}
	}

	h := p.Health()
	ass.Equal(4, h.Total)
	ass.Equal(4, h.ShardCount)
	for i, s := range h.Slots {
		ass.True(s.Connected)
		ass.Equal(Shard(i), s.Shard)
		ass.False(s.LastConnected.IsZero())
	}

	gens := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		c, exact, err := p.GetConnection(Shard(i))
		ass.NoError(err)
		ass.True(exact)
		ass.Equal(Shard(i), c.Shard())
		gens[c.Generation()] = true
	}
	ass.Len(gens, 4)

	c, exact, err := p.GetConnection(AnyShard)
	ass.NoError(err)
	ass.False(exact)
	ass.NotNil(c)

	_, _, err = p.GetConnection(Shard(17))
	ass.NoError(err)
}

func testPoolRebuildSlot(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	p := newTestPool(t, n.addr(), testPoolConfig(t))
	waitHealthy(t, p, 4)

	broken, _, err := p.GetConnection(2)
	ass.NoError(err)

	var (
		wg        sync.WaitGroup
		stop      = make(chan struct{})
		failures  atomic.Int64
		successes atomic.Int64
	)

	for _, shard := range []Shard{0, 1, 3} {
		wg.Add(1)
		go func(shard Shard) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				c, exact, err := p.GetConnection(shard)
				if err != nil || !exact {
					failures.Inc()
					continue
				}
				if _, err := c.Query(context.Background(), "SELECT 1", cql.One); err != nil {
					failures.Inc()
					continue
				}
				successes.Inc()
			}
		}(shard)
	}

	ass.True(n.kill(broken.conn.LocalAddr().String()))

	ass.Eventually(func() bool {
		c, exact, err := p.GetConnection(2)
		return err == nil && exact && c != broken
	}, testTimeout, 5*time.Millisecond)

	close(stop)
	wg.Wait()

	ass.Zero(failures.Load())
	ass.NotZero(successes.Load())
	ass.True(broken.IsBroken())

	rebuilt, _, err := p.GetConnection(2)
	ass.NoError(err)
	ass.Greater(rebuilt.Generation(), broken.Generation())

	h := p.Health()
	ass.Equal(4, h.Healthy)
	ass.Equal(4, h.Total)
}

func testPoolShardUnaware(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t)
	p := newTestPool(t, n.addr(), testPoolConfig(t))
	waitHealthy(t, p, 1)

	h := p.Health()
	ass.Equal(1, h.Total)
	ass.Equal(0, h.ShardCount)

	c, exact, err := p.GetConnection(3)
	ass.NoError(err)
	ass.False(exact)
	ass.Equal(AnyShard, c.Shard())

	_, ok := p.Sharder()
	ass.False(ok)

	c2, _, err := p.GetConnectionForToken(42)
	ass.NoError(err)
	ass.Equal(c, c2)
}

func testPoolFixedSize(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	cfg := testPoolConfig(t)
	cfg.PoolSize = Fixed(3)
	p := newTestPool(t, n.addr(), cfg)
	waitHealthy(t, p, 3)

	h := p.Health()
	ass.Equal(3, h.Total)
	ass.Equal(4, h.ShardCount)

	var shards []int
	for _, s := range h.Slots {
		shards = append(shards, int(s.Shard))
	}
	sort.Ints(shards)
	ass.Equal([]int{0, 1, 2}, shards)

	c, exact, err := p.GetConnection(1)
	ass.NoError(err)
	ass.True(exact)
	ass.Equal(Shard(1), c.Shard())

	_, exact, err = p.GetConnection(3)
	ass.NoError(err)
	ass.False(exact)
}

func testPoolShardAwarePort(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4), withShardAwarePort())
	p := newTestPool(t, n.addr(), testPoolConfig(t))
	waitHealthy(t, p, 4)

	for i := 0; i < 4; i++ {
		c, exact, err := p.GetConnection(Shard(i))
		ass.NoError(err)
		ass.True(exact)
		if i > 0 {
			port := c.conn.LocalAddr().(*net.TCPAddr).Port
			ass.Equal(i, port%4)
		}
	}

	// every connection landed on the shard it was dialed for
	ass.Equal(4, n.acceptedCount())
}

func testPoolNonBlocking(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	d := &gateDialer{}
	d.close()

	cfg := testPoolConfig(t)
	cfg.Dialer = d
	p := newTestPool(t, n.addr(), cfg)

	getAll := func() []error {
		var wg sync.WaitGroup
		errs := make([]error, 100)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, errs[i] = p.GetConnection(Shard(i % 4))
			}(i)
		}
		wg.Wait()
		return errs
	}

	ass.Eventually(func() bool { return d.dials.Load() > 0 }, testTimeout, time.Millisecond)

	// the first dial hangs: callers get an error right away
	started := time.Now()
	for _, err := range getAll() {
		ass.True(errors.Is(err, cql.ErrNoConnections), err)
	}
	ass.Less(time.Since(started), time.Second)

	d.open()
	waitHealthy(t, p, 4)

	d.close()
	broken, _, err := p.GetConnection(2)
	ass.NoError(err)
	ass.True(n.kill(broken.conn.LocalAddr().String()))

	ass.Eventually(func() bool {
		_, exact, _ := p.GetConnection(2)
		return !exact
	}, testTimeout, time.Millisecond)

	// slot 2 is reconnecting behind the closed gate
	started = time.Now()
	for _, err := range getAll() {
		ass.NoError(err)
	}
	ass.Less(time.Since(started), time.Second)
	ass.Equal(3, p.Health().Healthy)

	d.open()
	waitHealthy(t, p, 4)
}

func testPoolSlotBackoff(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	rf := 0.0
	mock := clock.NewMock()
	mock.Set(time.Unix(1514764800, 0).UTC())

	cfg := Config{
		ConnectionConfig:           ConnectionConfig{Clock: mock},
		InitialBackoffInterval:     100 * time.Millisecond,
		MaxBackoffInterval:         time.Second,
		backoffRandomizationFactor: &rf,
	}.withDefaults()

	s := newSlot(0, cfg)

	check := func() {
		var prev time.Duration
		for i := 0; i < 12; i++ {
			now := mock.Now()
			d := s.failed(now)
			if i == 0 {
				ass.Equal(100*time.Millisecond, d)
			}
			ass.GreaterOrEqual(d, prev)
			ass.LessOrEqual(d, time.Second)
			ass.Equal(now.Add(d), s.nextAttempt)

			prev = d
			mock.Add(d)
		}
		ass.Equal(time.Second, prev)
	}

	check()

	s.connected(mock.Now())
	ass.Equal(mock.Now(), s.lastConnected.Load())
	ass.True(s.nextAttempt.IsZero())

	// the sequence starts over after a successful reconnection
	check()
}

func testPoolReconnectBackoff(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t)
	rf := 0.0

	cfg := testPoolConfig(t)
	cfg.InitialBackoffInterval = 20 * time.Millisecond
	cfg.MaxBackoffInterval = 60 * time.Millisecond
	cfg.backoffRandomizationFactor = &rf
	cfg.Metrics = NewMetrics(prometheus.NewRegistry())

	var (
		mu       sync.Mutex
		attempts []time.Time
		healthy  atomic.Bool
	)

	p := newPool(n.addr(), cfg)
	p.openConnection = func(ctx context.Context, addr string, cfg ConnectionConfig,
		dial func(ctx context.Context) (net.Conn, error)) (*Connection, error) {

		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()

		if !healthy.Load() {
			return nil, errors.New("connection refused")
		}
		return openConnection(ctx, addr, cfg, dial)
	}
	p.start()
	t.Cleanup(func() { _ = p.Close() })

	ass.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 6
	}, testTimeout, time.Millisecond)

	healthy.Store(true)
	waitHealthy(t, p, 1)

	mu.Lock()
	defer mu.Unlock()

	// 20ms, 30ms, 45ms, then 60ms: never below the initial interval
	for i := 1; i < 6; i++ {
		ass.GreaterOrEqual(attempts[i].Sub(attempts[i-1]), 15*time.Millisecond)
	}

	failures := testutil.ToFloat64(cfg.Metrics.connectFailures.WithLabelValues(n.addr()))
	ass.Equal(float64(len(attempts)-1), failures)
	ass.Equal(float64(len(attempts)), testutil.ToFloat64(cfg.Metrics.connectAttempts.WithLabelValues(n.addr())))
}

func testPoolMetrics(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	reg := prometheus.NewRegistry()

	cfg := testPoolConfig(t)
	cfg.Metrics = NewMetrics(reg)
	p := newTestPool(t, n.addr(), cfg)
	waitHealthy(t, p, 4)

	ass.Eventually(func() bool {
		return testutil.ToFloat64(cfg.Metrics.healthySlots.WithLabelValues(n.addr())) == 4
	}, testTimeout, 5*time.Millisecond)
	ass.Equal(float64(4), testutil.ToFloat64(cfg.Metrics.slots.WithLabelValues(n.addr())))
	ass.GreaterOrEqual(testutil.ToFloat64(cfg.Metrics.connectAttempts.WithLabelValues(n.addr())), float64(4))

	count, err := testutil.GatherAndCount(reg, "cqlpool_pool_slots", "cqlpool_pool_healthy_slots")
	ass.NoError(err)
	ass.Equal(2, count)

	ass.NoError(p.Close())

	count, err = testutil.GatherAndCount(reg, "cqlpool_pool_slots", "cqlpool_pool_healthy_slots")
	ass.NoError(err)
	ass.Equal(0, count)
}

func testPoolClose(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(2), withHandler(hangHandler))
	p := newTestPool(t, n.addr(), testPoolConfig(t))
	waitHealthy(t, p, 2)

	c, _, err := p.GetConnection(1)
	ass.NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), "hang", cql.One)
		done <- err
	}()
	ass.Eventually(func() bool { return n.requestCount(frame.OpQuery) == 1 }, testTimeout, time.Millisecond)

	ass.NoError(p.Close())
	ass.NoError(p.Close())

	err = <-done
	ass.True(errors.Is(err, cql.ErrConnectionClosing), err)

	_, _, err = p.GetConnection(0)
	ass.True(errors.Is(err, cql.ErrPoolClosed), err)

	_, err = p.Acquire(0)
	ass.True(errors.Is(err, cql.ErrPoolClosed), err)

	err = p.UseKeyspace(testContext(t), "ks", false)
	ass.True(errors.Is(err, cql.ErrPoolClosed), err)
}

func testPoolUseKeyspace(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	p := newTestPool(t, n.addr(), testPoolConfig(t))
	waitHealthy(t, p, 4)

	queries := n.requestCount(frame.OpQuery)
	err := p.UseKeyspace(testContext(t), "bad name", false)
	ass.True(errors.Is(err, cql.ErrInvalidKeyspaceName), err)
	ass.Equal(queries, n.requestCount(frame.OpQuery))

	ass.NoError(p.UseKeyspace(testContext(t), "ks2", false))
	for i := 0; i < 4; i++ {
		c, _, err := p.GetConnection(Shard(i))
		ass.NoError(err)
		ass.Equal("ks2", c.Keyspace())
	}

	// replacements are bound on connect
	broken, _, err := p.GetConnection(1)
	ass.NoError(err)
	ass.True(n.kill(broken.conn.LocalAddr().String()))

	ass.Eventually(func() bool {
		c, exact, err := p.GetConnection(1)
		return err == nil && exact && c != broken
	}, testTimeout, 5*time.Millisecond)

	c, _, err := p.GetConnection(1)
	ass.NoError(err)
	ass.Equal("ks2", c.Keyspace())
}

func testPoolTokenRouting(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t, withShards(4))
	p := newTestPool(t, n.addr(), testPoolConfig(t))
	waitHealthy(t, p, 4)

	s, ok := p.Sharder()
	ass.True(ok)
	ass.Equal(4, s.NrShards())

	for _, token := range []int64{-9223372036854775808, -4611686018427387904, -1, 0, 1, 42, 9223372036854775807} {
		c, exact, err := p.GetConnectionForToken(token)
		ass.NoError(err)
		ass.True(exact)
		ass.Equal(s.ShardOf(token), c.Shard())
	}
}

func testPoolSlotBackoffJitter(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	mock := clock.NewMock()
	mock.Set(time.Unix(1514764800, 0).UTC())

	cfg := Config{
		ConnectionConfig:       ConnectionConfig{Clock: mock},
		InitialBackoffInterval: 100 * time.Millisecond,
		MaxBackoffInterval:     time.Second,
	}.withDefaults()

	for i := 0; i < 50; i++ {
		s := newSlot(i, cfg)

		for round := 0; round < 2; round++ {
			var prev time.Duration
			for j := 0; j < 20; j++ {
				d := s.failed(mock.Now())
				if j == 0 {
					ass.GreaterOrEqual(d, 50*time.Millisecond)
					ass.LessOrEqual(d, 150*time.Millisecond)
				}
				ass.GreaterOrEqual(d, prev, "slot %d failure %d", i, j)
				ass.LessOrEqual(d, time.Second, "slot %d failure %d", i, j)

				prev = d
				mock.Add(d)
			}

			s.connected(mock.Now())
		}
	}
}

func testPoolUseKeyspaceWhileDialing(t *testing.T) {
	t.Parallel()
	ass := require.New(t)

	n := newFakeNode(t)

	ks1, err := NewVerifiedKeyspaceName("ks1", false)
	ass.NoError(err)

	cfg := testPoolConfig(t)
	cfg.Keyspace = &ks1

	var (
		once    sync.Once
		started = make(chan struct{})
		release = make(chan struct{})
	)

	p := newPool(n.addr(), cfg)
	p.openConnection = func(ctx context.Context, addr string, cfg ConnectionConfig,
		dial func(ctx context.Context) (net.Conn, error)) (*Connection, error) {

		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return openConnection(ctx, addr, cfg, dial)
	}
	p.start()
	t.Cleanup(func() { _ = p.Close() })

	select {
	case <-started:
	case <-time.After(testTimeout):
		ass.FailNow("no connection attempt")
	}

	// nothing is connected yet: the keyspace only reaches the dial in flight
	ass.NoError(p.UseKeyspace(testContext(t), "ks2", false))
	close(release)

	waitHealthy(t, p, 1)

	c, _, err := p.GetConnection(AnyShard)
	ass.NoError(err)
	ass.Equal("ks2", c.Keyspace())

	// USE ks1 on connect, then USE ks2 before the connection is handed out
	ass.Equal(2, n.requestCount(frame.OpQuery))
}

func TestPool(t *testing.T) {
	t.Parallel()

	t.Run("convergence", testPoolConvergence)
	t.Run("rebuild_slot", testPoolRebuildSlot)
	t.Run("shard_unaware", testPoolShardUnaware)
	t.Run("fixed_size", testPoolFixedSize)
	t.Run("shard_aware_port", testPoolShardAwarePort)
	t.Run("non_blocking", testPoolNonBlocking)
	t.Run("slot_backoff", testPoolSlotBackoff)
	t.Run("slot_backoff_jitter", testPoolSlotBackoffJitter)
	t.Run("reconnect_backoff", testPoolReconnectBackoff)
	t.Run("metrics", testPoolMetrics)
	t.Run("close", testPoolClose)
	t.Run("use_keyspace", testPoolUseKeyspace)
	t.Run("use_keyspace_while_dialing", testPoolUseKeyspaceWhileDialing)
	t.Run("token_routing", testPoolTokenRouting)
}
