package cqlpool

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/derElektrobesen/cqlpool/cql"
	"github.com/derElektrobesen/cqlpool/frame"
)

// Connection is one transport session to a node, bound to a shard when the node is shard-aware.
//
// Requests of concurrent callers are multiplexed over the transport: each one gets its own stream id.
// A connection which experienced a transport failure is broken forever: ask the pool for another one.
type Connection struct {
	addr   string
	cfg    ConnectionConfig
	logger Logger

	conn      net.Conn
	shardInfo *ShardInfo

	generation uint64
	keyspace   atomic.String

	writeMu sync.Mutex

	mu      sync.Mutex
	calls   map[int16]*callReq
	streams *deck[int16]
	err     error

	closeOnce sync.Once
	broken    chan struct{}
	isBroken  atomic.Bool

	wg sync.WaitGroup
}

type callReq struct {
	resp chan callResp

	// abandoned calls keep their stream id until the server answers
	abandoned bool
}

type callResp struct {
	resp interface{}
	err  error
}

// OpenConnection dials addr and prepares the connection for requests: TLS handshake, protocol startup,
// authentication and keyspace binding.
//
// Failures are connect-time errors: they are never reported as broken connections.
func OpenConnection(ctx context.Context, addr string, cfg ConnectionConfig) (*Connection, error) {
	cfg = cfg.withDefaults()

	return openConnection(ctx, addr, cfg, func(ctx context.Context) (net.Conn, error) {
		return cfg.Dialer.Dial(ctx, addr)
	})
}

// openConnection expects cfg with defaults.
func openConnection(ctx context.Context, addr string, cfg ConnectionConfig,
	dial func(ctx context.Context) (net.Conn, error)) (*Connection, error) {

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	netConn, err := dial(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "can't connect to %s", addr)
	}

	if cfg.TLSConfig != nil {
		netConn, err = tlsHandshake(ctx, netConn, addr, cfg.TLSConfig)
		if err != nil {
			return nil, err
		}
	}

	c := newConnection(netConn, addr, cfg)

	if err := c.startup(ctx); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "can't start connection to %s", addr)
	}

	if cfg.Keyspace != nil {
		if err := c.useKeyspace(ctx, *cfg.Keyspace); err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "can't bind connection to %s", addr)
		}
	}

	if cfg.KeepaliveInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat()
	}

	logDebug(c.logger, "msg", "connection ready", "shard", c.Shard(), "local_addr", netConn.LocalAddr())
	return c, nil
}

func tlsHandshake(ctx context.Context, netConn net.Conn, addr string, cfg *tls.Config) (net.Conn, error) {
	cfg = cfg.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}

	tlsConn := tls.Client(netConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, errors.Wrapf(err, "tls handshake with %s failed", addr)
	}

	return tlsConn, nil
}

func newConnection(netConn net.Conn, addr string, cfg ConnectionConfig) *Connection {
	c := &Connection{
		addr:    addr,
		cfg:     cfg,
		logger:  nodeLogger(cfg.Logger, addr),
		conn:    netConn,
		calls:   make(map[int16]*callReq),
		streams: newStreamIDs(cfg.MaxInFlight),
		broken:  make(chan struct{}),
	}

	c.wg.Add(1)
	go c.recv()

	return c
}

func (c *Connection) startup(ctx context.Context) error {
	resp, err := c.exec(ctx, frame.Options{})
	if err != nil {
		return err
	}

	supported, ok := resp.(*frame.Supported)
	if !ok {
		return errors.Wrapf(cql.ErrProtocol, "unexpected response %T to OPTIONS", resp)
	}

	c.shardInfo, err = parseShardInfo(supported.Options)
	if err != nil {
		return err
	}

	opts := map[string]string{"CQL_VERSION": c.cfg.CQLVersion}
	if c.cfg.DriverName != "" {
		opts["DRIVER_NAME"] = c.cfg.DriverName
	}
	if c.cfg.DriverVersion != "" {
		opts["DRIVER_VERSION"] = c.cfg.DriverVersion
	}

	resp, err = c.exec(ctx, frame.Startup{Options: opts})
	if err != nil {
		return err
	}

	switch v := resp.(type) {
	case *frame.Ready:
		return nil
	case *frame.Authenticate:
		return c.authenticate(ctx, v.Class)
	default:
		return errors.Wrapf(cql.ErrProtocol, "unexpected response %T to STARTUP", resp)
	}
}

func (c *Connection) authenticate(ctx context.Context, class string) error {
	if c.cfg.Authenticator == nil {
		return errors.Wrapf(cql.ErrAuthenticationRequired, "authenticator %s", class)
	}

	token, err := c.cfg.Authenticator.Challenge(class, nil)
	if err != nil {
		return errors.Wrap(err, "authentication failed")
	}

	for {
		resp, err := c.exec(ctx, frame.AuthResponse{Token: token})
		if err != nil {
			return err
		}

		switch v := resp.(type) {
		case *frame.AuthChallenge:
			token, err = c.cfg.Authenticator.Challenge(class, v.Token)
			if err != nil {
				return errors.Wrap(err, "authentication failed")
			}
		case *frame.AuthSuccess:
			return errors.Wrap(c.cfg.Authenticator.Success(v.Token), "authentication failed")
		default:
			return errors.Wrapf(cql.ErrProtocol, "unexpected response %T to AUTH_RESPONSE", resp)
		}
	}
}

// exec sends one request and waits for its response.
// Server errors are returned as errors: the response is one of the frame package response types.
func (c *Connection) exec(ctx context.Context, req frame.Request) (interface{}, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, cql.NewQueryError(err, false)
	}

	stream, ok := c.streams.pop()
	if !ok {
		c.mu.Unlock()
		return nil, cql.NewQueryError(cql.ErrNoStreams, false)
	}

	call := &callReq{resp: make(chan callResp, 1)}
	c.calls[stream] = call
	c.mu.Unlock()

	buf, err := frame.Encode(nil, stream, req)
	if err != nil {
		c.release(stream)
		return nil, err
	}

	c.writeMu.Lock()
	n, err := c.conn.Write(buf)
	c.writeMu.Unlock()

	if err != nil {
		c.release(stream)
		err = brokenError(errors.Wrap(err, "write failed"))
		c.closeWithError(err)
		return nil, cql.NewQueryError(err, n > 0)
	}

	select {
	case r := <-call.resp:
		return r.resp, r.err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if _, pending := c.calls[stream]; pending {
		call.abandoned = true
	}
	c.mu.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, cql.NewQueryError(errors.Wrapf(cql.ErrTimeoutNoResponse, "stream %d", stream), true)
	}
	return nil, cql.NewQueryError(ctx.Err(), true)
}

// release frees a stream id which was never written to the wire.
func (c *Connection) release(stream int16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.calls[stream]; ok {
		delete(c.calls, stream)
		c.streams.push(stream)
	}
}

func (c *Connection) recv() {
	defer c.wg.Done()

	r := bufio.NewReader(c.conn)
	hdr := make([]byte, frame.HeaderSize)

	for {
		h, err := frame.ReadHeader(r, hdr)
		if err != nil {
			c.closeWithError(brokenError(errors.Wrap(err, "read failed")))
			return
		}

		if v := h.ProtoVersion(); v != frame.ProtoVersion4 {
			c.closeWithError(errors.Wrapf(cql.ErrUnsupportedProtocolVersion,
				"server answered with protocol version %d", v))
			return
		}

		body := make([]byte, h.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			c.closeWithError(brokenError(errors.Wrap(err, "read failed")))
			return
		}

		if h.Stream < 0 {
			logDebug(c.logger, "msg", "skipping server event", "opcode", h.Op)
			continue
		}

		resp, parseErr := frame.ParseResponse(h, body)

		c.mu.Lock()
		call, ok := c.calls[h.Stream]
		abandoned := false
		if ok {
			delete(c.calls, h.Stream)
			c.streams.push(h.Stream)
			abandoned = call.abandoned
		}
		c.mu.Unlock()

		if !ok {
			c.closeWithError(brokenError(errors.Wrapf(cql.ErrProtocol,
				"response on unknown stream %d", h.Stream)))
			return
		}

		if abandoned {
			continue
		}

		switch {
		case parseErr != nil:
			call.resp <- callResp{err: errors.Wrap(cql.ErrProtocol, parseErr.Error())}
		default:
			if dbErr, isErr := resp.(error); isErr {
				call.resp <- callResp{err: dbErr}
			} else {
				call.resp <- callResp{resp: resp}
			}
		}
	}
}

func (c *Connection) heartbeat() {
	defer c.wg.Done()

	t := c.cfg.Clock.Ticker(c.cfg.KeepaliveInterval)
	defer t.Stop()

	for {
		select {
		case <-c.broken:
			return
		case <-t.C:
		}

		ctx, cancel := c.cfg.Clock.WithTimeout(context.Background(), c.cfg.KeepaliveTimeout)
		_, err := c.exec(ctx, frame.Options{})
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, cql.ErrNoStreams):
			// the connection is busy: it is alive
		case errors.Is(err, cql.ErrConnectionClosing):
			return
		default:
			logWarn(c.logger, "msg", "keepalive failed", "shard", c.Shard(), "err", err)
			c.closeWithError(brokenError(errors.Wrap(err, "keepalive failed")))
			return
		}
	}
}

func brokenError(cause error) error {
	return fmt.Errorf("%w: %w", cql.ErrConnectionBroken, cause)
}

// closeWithError makes the connection unusable. Pending callers receive err.
func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := make([]*callReq, 0, len(c.calls))
		for _, call := range c.calls {
			if !call.abandoned {
				pending = append(pending, call)
			}
		}
		c.calls = make(map[int16]*callReq)
		c.mu.Unlock()

		c.isBroken.Store(true)
		close(c.broken)
		_ = c.conn.Close()

		for _, call := range pending {
			call.resp <- callResp{err: cql.NewQueryError(err, true)}
		}

		if !errors.Is(err, cql.ErrConnectionClosing) {
			logInfo(c.logger, "msg", "connection broken", "shard", c.Shard(), "err", err)
		}
	})
}

// Close closes the connection. Requests in flight fail with cql.ErrConnectionClosing.
// It is safe to call Close multiple times.
func (c *Connection) Close() error {
	c.closeWithError(cql.ErrConnectionClosing)
	c.wg.Wait()
	return nil
}

// Query runs an unprepared statement.
func (c *Connection) Query(ctx context.Context, text string, cl cql.Consistency) (*Result, error) {
	return c.Execute(ctx, Query{Text: text}, cl)
}

// Batch runs a batch of unprepared statements.
func (c *Connection) Batch(ctx context.Context, b Batch, cl cql.Consistency) (*Result, error) {
	return c.Execute(ctx, b, cl)
}

// Execute sends the statement using the consistency passed.
// Statements failing validation are rejected without any network I/O.
func (c *Connection) Execute(ctx context.Context, stmt Statement, cl cql.Consistency) (*Result, error) {
	if err := stmt.validate(); err != nil {
		return nil, err
	}

	resp, err := c.exec(ctx, stmt.request(cl))
	if err != nil {
		return nil, err
	}

	res, ok := resp.(*frame.Result)
	if !ok {
		return nil, errors.Wrapf(cql.ErrProtocol, "unexpected response %T to %T", resp, stmt)
	}

	if res.Kind == frame.ResultSetKeyspace {
		c.keyspace.Store(res.Keyspace)
	}

	return &Result{Result: *res}, nil
}

// Options sends OPTIONS and returns the options supported by the node.
func (c *Connection) Options(ctx context.Context) (*frame.Supported, error) {
	resp, err := c.exec(ctx, frame.Options{})
	if err != nil {
		return nil, err
	}

	supported, ok := resp.(*frame.Supported)
	if !ok {
		return nil, errors.Wrapf(cql.ErrProtocol, "unexpected response %T to OPTIONS", resp)
	}
	return supported, nil
}

// UseKeyspace binds the connection to a keyspace.
// Invalid names fail with cql.ErrInvalidKeyspaceName without any network I/O.
func (c *Connection) UseKeyspace(ctx context.Context, name string, caseSensitive bool) error {
	ks, err := NewVerifiedKeyspaceName(name, caseSensitive)
	if err != nil {
		return err
	}
	return c.useKeyspace(ctx, ks)
}

func (c *Connection) useKeyspace(ctx context.Context, ks VerifiedKeyspaceName) error {
	res, err := c.Query(ctx, ks.useStatement(), cql.One)
	if err != nil {
		return err
	}

	if res.Kind != frame.ResultSetKeyspace {
		return errors.Wrapf(cql.ErrProtocol, "unexpected result kind %d to USE", res.Kind)
	}
	return nil
}

// Addr returns the address of the node.
func (c *Connection) Addr() string {
	return c.addr
}

// ShardInfo returns nil for shard-unaware nodes.
func (c *Connection) ShardInfo() *ShardInfo {
	return c.shardInfo
}

// Shard returns the shard the connection is bound to, AnyShard for shard-unaware nodes.
func (c *Connection) Shard() Shard {
	if c.shardInfo == nil {
		return AnyShard
	}
	return c.shardInfo.Shard
}

// Generation distinguishes connections which successively occupied the same pool slot.
func (c *Connection) Generation() uint64 {
	return c.generation
}

// Keyspace returns the keyspace the connection is bound to.
func (c *Connection) Keyspace() string {
	return c.keyspace.Load()
}

// Broken is closed once the connection becomes unusable.
func (c *Connection) Broken() <-chan struct{} {
	return c.broken
}

func (c *Connection) IsBroken() bool {
	return c.isBroken.Load()
}

// Err returns the reason the connection became unusable.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// AvailableStreams returns the number of requests which could be sent right now without waiting.
func (c *Connection) AvailableStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams.size()
}
