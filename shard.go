package cqlpool

import (
	"math/bits"
	"math/rand"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

// Shard is the index of a shard of a node.
type Shard int

// AnyShard means the caller has no shard preference.
const AnyShard Shard = -1

// SUPPORTED keys describing the sharding of a node.
const (
	supportedShard             = "SCYLLA_SHARD"
	supportedNrShards          = "SCYLLA_NR_SHARDS"
	supportedMsbIgnore         = "SCYLLA_SHARDING_IGNORE_MSB"
	supportedPartitioner       = "SCYLLA_PARTITIONER"
	supportedShardingAlgorithm = "SCYLLA_SHARDING_ALGORITHM"
	supportedShardAwarePort    = "SCYLLA_SHARD_AWARE_PORT"
	supportedShardAwarePortTLS = "SCYLLA_SHARD_AWARE_PORT_SSL"

	shardingAlgorithmBiasedToken = "biased-token-round-robin"
)

// ShardInfo is the sharding metadata a node reports on a connection.
type ShardInfo struct {
	// Shard is the shard the connection is bound to.
	Shard Shard
	// NrShards is the number of shards of the node.
	NrShards int
	// MsbIgnore is the number of most significant token bits ignored by the sharding function.
	MsbIgnore uint8

	Partitioner string

	// ShardAwarePort and ShardAwarePortTLS are 0 when the node doesn't advertise them.
	ShardAwarePort    int
	ShardAwarePortTLS int
}

// Sharder returns the token to shard mapping of the node.
func (si *ShardInfo) Sharder() Sharder {
	return Sharder{nrShards: si.NrShards, msbIgnore: si.MsbIgnore}
}

func firstOption(opts map[string][]string, key string) (string, bool) {
	v, ok := opts[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// parseShardInfo extracts sharding metadata from a SUPPORTED response.
// It returns nil without error when the node is not shard-aware.
func parseShardInfo(opts map[string][]string) (*ShardInfo, error) {
	shardStr, hasShard := firstOption(opts, supportedShard)
	nrStr, hasNr := firstOption(opts, supportedNrShards)
	if !hasShard && !hasNr {
		return nil, nil
	}
	if !hasShard || !hasNr {
		return nil, errors.Wrapf(cql.ErrProtocol, "incomplete sharding info: %s=%q, %s=%q",
			supportedShard, shardStr, supportedNrShards, nrStr)
	}

	if algo, ok := firstOption(opts, supportedShardingAlgorithm); ok && algo != shardingAlgorithmBiasedToken {
		return nil, errors.Wrapf(cql.ErrProtocol, "unsupported sharding algorithm %q", algo)
	}

	shard, err := strconv.Atoi(shardStr)
	if err != nil {
		return nil, errors.Wrapf(cql.ErrProtocol, "bad %s: %s", supportedShard, err)
	}

	nr, err := strconv.Atoi(nrStr)
	if err != nil {
		return nil, errors.Wrapf(cql.ErrProtocol, "bad %s: %s", supportedNrShards, err)
	}

	if nr < 1 || shard < 0 || shard >= nr {
		return nil, errors.Wrapf(cql.ErrProtocol, "shard %d out of range [0, %d)", shard, nr)
	}

	si := &ShardInfo{
		Shard:    Shard(shard),
		NrShards: nr,
	}

	if v, ok := firstOption(opts, supportedMsbIgnore); ok {
		msb, err := strconv.ParseUint(v, 10, 8)
		if err != nil || msb > 63 {
			return nil, errors.Wrapf(cql.ErrProtocol, "bad %s: %q", supportedMsbIgnore, v)
		}
		si.MsbIgnore = uint8(msb)
	}

	si.Partitioner, _ = firstOption(opts, supportedPartitioner)

	// a broken port advertisement only disables shard-aware dialing
	if v, ok := firstOption(opts, supportedShardAwarePort); ok {
		si.ShardAwarePort, _ = strconv.Atoi(v)
	}
	if v, ok := firstOption(opts, supportedShardAwarePortTLS); ok {
		si.ShardAwarePortTLS, _ = strconv.Atoi(v)
	}

	return si, nil
}

// Sharder maps tokens to shards.
type Sharder struct {
	nrShards  int
	msbIgnore uint8
}

func NewSharder(nrShards int, msbIgnore uint8) Sharder {
	return Sharder{nrShards: nrShards, msbIgnore: msbIgnore}
}

func (s Sharder) NrShards() int {
	return s.nrShards
}

// ShardOf returns the shard owning the token.
func (s Sharder) ShardOf(token int64) Shard {
	if s.nrShards <= 1 {
		return 0
	}

	biased := uint64(token) + 1<<63
	biased <<= s.msbIgnore
	hi, _ := bits.Mul64(biased, uint64(s.nrShards))
	return Shard(hi)
}

// Local ports usable for shard-aware dialing.
const (
	shardPortLow  = 49152
	shardPortHigh = 65535
)

// shardPortIterator hands out source ports p such that p % nrShards == shard.
// Consecutive dials for the same shard start after the previous candidate.
type shardPortIterator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newShardPortIterator(seed int64) *shardPortIterator {
	return &shardPortIterator{rnd: rand.New(rand.NewSource(seed))}
}

func (it *shardPortIterator) forShard(shard Shard, nrShards int) *shardPorts {
	it.mu.Lock()
	start := shardPortLow + it.rnd.Intn(shardPortHigh-shardPortLow+1)
	it.mu.Unlock()

	return newShardPorts(shard, nrShards, start)
}

// shardPorts walks the range from a start position to its end and then wraps once.
type shardPorts struct {
	nr    int
	first int
	cur   int
	done  bool
}

func newShardPorts(shard Shard, nrShards int, start int) *shardPorts {
	if nrShards < 1 {
		nrShards = 1
	}

	// the smallest port >= start congruent to shard
	p := start - start%nrShards + int(shard)
	if p < start {
		p += nrShards
	}
	if p > shardPortHigh {
		p = lowestPort(shard, nrShards)
	}

	return &shardPorts{nr: nrShards, first: p, cur: p, done: p > shardPortHigh}
}

func lowestPort(shard Shard, nrShards int) int {
	p := shardPortLow - shardPortLow%nrShards + int(shard)
	if p < shardPortLow {
		p += nrShards
	}
	return p
}

func (sp *shardPorts) next() (int, bool) {
	if sp.done {
		return 0, false
	}

	p := sp.cur
	sp.cur += sp.nr
	if sp.cur > shardPortHigh {
		sp.cur = lowestPort(Shard(p%sp.nr), sp.nr)
	}
	if sp.cur == sp.first {
		sp.done = true
	}

	return p, true
}
