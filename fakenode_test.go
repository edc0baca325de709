package cqlpool

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/derElektrobesen/cqlpool/cql"
	"github.com/derElektrobesen/cqlpool/frame"
)

// fakeResponse is what the fake node answers to a QUERY or a BATCH.
type fakeResponse struct {
	op    frame.Opcode
	body  []byte
	delay time.Duration
	// silent requests never get an answer
	silent bool
}

func voidResult() fakeResponse {
	return fakeResponse{op: frame.OpResult, body: frame.AppendInt(nil, int32(frame.ResultVoid))}
}

func setKeyspaceResult(ks string) fakeResponse {
	body := frame.AppendInt(nil, int32(frame.ResultSetKeyspace))
	return fakeResponse{op: frame.OpResult, body: frame.AppendString(body, ks)}
}

func errorResponse(code cql.ErrorCode, msg string, extra ...func([]byte) []byte) fakeResponse {
	body := frame.AppendInt(nil, int32(code))
	body = frame.AppendString(body, msg)
	for _, f := range extra {
		body = f(body)
	}
	return fakeResponse{op: frame.OpError, body: body}
}

// fakeNode speaks enough CQL v4 to exercise connections and pools over real TCP.
// Connections are assigned to shards in round-robin order.
type fakeNode struct {
	t  *testing.T
	ln net.Listener

	// connections to shardLn are assigned to the shard of their source port
	shardLn net.Listener

	nrShards     int
	username     string
	password     string
	protoVersion byte

	// handler answers queries it knows; USE statements and everything else succeed by default
	handler func(stmt string) (fakeResponse, bool)

	silentOptions atomic.Bool

	mu       sync.Mutex
	next     int
	accepted int
	conns    map[net.Conn]int
	requests map[frame.Opcode]int
	batches  []int

	wg sync.WaitGroup
}

type fakeNodeOption func(n *fakeNode)

func withShards(nr int) fakeNodeOption {
	return func(n *fakeNode) { n.nrShards = nr }
}

func withCredentials(username, password string) fakeNodeOption {
	return func(n *fakeNode) {
		n.username = username
		n.password = password
	}
}

func withProtoVersion(v byte) fakeNodeOption {
	return func(n *fakeNode) { n.protoVersion = v }
}

func withShardAwarePort() fakeNodeOption {
	return func(n *fakeNode) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(n.t, err)
		n.shardLn = ln
	}
}

func withHandler(h func(stmt string) (fakeResponse, bool)) fakeNodeOption {
	return func(n *fakeNode) { n.handler = h }
}

func newFakeNode(t *testing.T, opts ...fakeNodeOption) *fakeNode {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	n := &fakeNode{
		t:            t,
		ln:           ln,
		conns:        make(map[net.Conn]int),
		requests:     make(map[frame.Opcode]int),
		protoVersion: frame.ProtoVersion4,
	}
	for _, o := range opts {
		o(n)
	}

	n.wg.Add(1)
	go n.accept(n.ln, false)

	if n.shardLn != nil {
		n.wg.Add(1)
		go n.accept(n.shardLn, true)
	}

	t.Cleanup(n.close)
	return n
}

func (n *fakeNode) addr() string {
	return n.ln.Addr().String()
}

func (n *fakeNode) accept(ln net.Listener, bySourcePort bool) {
	defer n.wg.Done()

	for {
		cn, err := ln.Accept()
		if err != nil {
			return
		}

		n.mu.Lock()
		shard := 0
		switch {
		case n.nrShards == 0:
		case bySourcePort:
			shard = cn.RemoteAddr().(*net.TCPAddr).Port % n.nrShards
		default:
			shard = n.next % n.nrShards
			n.next++
		}
		n.accepted++
		n.conns[cn] = shard
		n.mu.Unlock()

		n.wg.Add(1)
		go n.serve(cn, shard)
	}
}

// kill closes the server side of the connection the client sees with the local address passed.
func (n *fakeNode) kill(clientAddr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for cn := range n.conns {
		if cn.RemoteAddr().String() == clientAddr {
			_ = cn.Close()
			delete(n.conns, cn)
			return true
		}
	}
	return false
}

func (n *fakeNode) close() {
	_ = n.ln.Close()
	if n.shardLn != nil {
		_ = n.shardLn.Close()
	}

	n.mu.Lock()
	for cn := range n.conns {
		_ = cn.Close()
	}
	n.conns = map[net.Conn]int{}
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *fakeNode) acceptedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.accepted
}

func (n *fakeNode) requestCount(op frame.Opcode) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[op]
}

func (n *fakeNode) batchSizes() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.batches...)
}

func (n *fakeNode) serve(cn net.Conn, shard int) {
	defer n.wg.Done()
	defer cn.Close()

	var (
		writeMu sync.Mutex
		pending sync.WaitGroup
	)
	defer pending.Wait()

	write := func(stream int16, op frame.Opcode, body []byte) {
		buf := frame.AppendHeader(nil, frame.Header{
			Version: n.protoVersion | 0x80,
			Stream:  stream,
			Op:      op,
			Length:  len(body),
		})
		buf = append(buf, body...)

		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = cn.Write(buf)
	}

	r := bufio.NewReader(cn)
	hdr := make([]byte, frame.HeaderSize)

	for {
		h, err := frame.ReadHeader(r, hdr)
		if err != nil {
			return
		}

		body := make([]byte, h.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		n.mu.Lock()
		n.requests[h.Op]++
		n.mu.Unlock()

		switch h.Op {
		case frame.OpOptions:
			if n.silentOptions.Load() {
				continue
			}
			write(h.Stream, frame.OpSupported, frame.AppendStringMultiMap(nil, n.supported(shard)))

		case frame.OpStartup:
			if n.username != "" {
				write(h.Stream, frame.OpAuthenticate,
					frame.AppendString(nil, "org.apache.cassandra.auth.PasswordAuthenticator"))
			} else {
				write(h.Stream, frame.OpReady, nil)
			}

		case frame.OpAuthResponse:
			token := frame.NewReader(body).Bytes()
			if string(token) == "\x00"+n.username+"\x00"+n.password {
				write(h.Stream, frame.OpAuthSuccess, frame.AppendBytes(nil, nil))
			} else {
				resp := errorResponse(cql.ErrCodeBadCredentials, "bad credentials")
				write(h.Stream, resp.op, resp.body)
			}

		case frame.OpQuery, frame.OpBatch:
			stmt := n.statement(h.Op, body)
			resp := n.respond(stmt)
			if resp.silent {
				continue
			}

			pending.Add(1)
			go func(stream int16) {
				defer pending.Done()
				if resp.delay > 0 {
					time.Sleep(resp.delay)
				}
				write(stream, resp.op, resp.body)
			}(h.Stream)

		default:
			resp := errorResponse(cql.ErrCodeProtocol, "unsupported opcode")
			write(h.Stream, resp.op, resp.body)
		}
	}
}

func (n *fakeNode) supported(shard int) map[string][]string {
	opts := map[string][]string{
		"CQL_VERSION": {"3.0.0"},
		"COMPRESSION": {},
	}

	if n.nrShards > 0 {
		opts[supportedShard] = []string{strconv.Itoa(shard)}
		opts[supportedNrShards] = []string{strconv.Itoa(n.nrShards)}
		opts[supportedMsbIgnore] = []string{"12"}
		opts[supportedPartitioner] = []string{"org.apache.cassandra.dht.Murmur3Partitioner"}
		opts[supportedShardingAlgorithm] = []string{shardingAlgorithmBiasedToken}

		if n.shardLn != nil {
			port := n.shardLn.Addr().(*net.TCPAddr).Port
			opts[supportedShardAwarePort] = []string{strconv.Itoa(port)}
		}
	}

	return opts
}

// statement returns the query text, or the first statement of a batch.
func (n *fakeNode) statement(op frame.Opcode, body []byte) string {
	r := frame.NewReader(body)
	if op == frame.OpQuery {
		return r.LongString()
	}

	r.Byte() // type
	count := int(r.Short())

	n.mu.Lock()
	n.batches = append(n.batches, count)
	n.mu.Unlock()

	if count == 0 {
		return ""
	}
	r.Byte() // kind
	return r.LongString()
}

func (n *fakeNode) respond(stmt string) fakeResponse {
	if n.handler != nil {
		if resp, ok := n.handler(stmt); ok {
			return resp
		}
	}

	if ks := strings.TrimPrefix(stmt, "USE "); ks != stmt {
		return setKeyspaceResult(strings.Trim(ks, `"`))
	}
	return voidResult()
}
