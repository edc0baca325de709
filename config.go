package cqlpool

import (
	"crypto/tls"
	"strconv"
	"time"
)

const (
	DefConnectTimeout      = 5 * time.Second
	DefInitBackoffInterval = 100 * time.Millisecond
	DefMaxBackoffInterval  = 30 * time.Second
	DefMaxConnectRate      = 100
	DefKeepaliveInterval   = 30 * time.Second
	DefKeepaliveTimeout    = 30 * time.Second
	DefMaxInFlight         = 1024
	DefCQLVersion          = "3.0.0"

	// MaxInFlightLimit is the number of stream ids a v4 connection has.
	MaxInFlightLimit = 32767
)

// ConnectionConfig holds the fields required to establish a single connection.
type ConnectionConfig struct {
	// ConnectTimeout is the maximum amount of time the whole connection setup may take:
	// dial, TLS handshake, startup, authentication and keyspace binding.
	//
	// Default is DefConnectTimeout.
	ConnectTimeout time.Duration

	// TLSConfig enables TLS when not nil.
	TLSConfig *tls.Config

	// Authenticator answers AUTHENTICATE challenges. Servers requiring authentication
	// can't be connected without it.
	Authenticator Authenticator

	// Keyspace is bound with USE right after startup when not nil.
	Keyspace *VerifiedKeyspaceName

	// KeepaliveInterval is the period of OPTIONS heartbeats. Negative disables heartbeats.
	//
	// Default is DefKeepaliveInterval.
	KeepaliveInterval time.Duration

	// KeepaliveTimeout is how long a heartbeat may wait for its answer before the connection is
	// considered broken.
	//
	// Default is DefKeepaliveTimeout.
	KeepaliveTimeout time.Duration

	// MaxInFlight bounds the number of concurrent requests on one connection.
	// Values above MaxInFlightLimit are clamped.
	//
	// Default is DefMaxInFlight.
	MaxInFlight int

	// CQLVersion is sent in STARTUP. Default is DefCQLVersion.
	CQLVersion string

	// DriverName and DriverVersion are sent in STARTUP when set.
	DriverName    string
	DriverVersion string

	// Dialer opens transport connections. TCPDialer by default.
	Dialer Dialer

	// Clock could be used to reimplement behaviour of system clock.
	// clock.New() by default.
	Clock Clock

	// Logger receives messages about connection state.
	// Nop logger by default.
	Logger Logger
}

// Config holds everything a node pool needs.
type Config struct {
	ConnectionConfig

	// PoolSize declares how many connections the pool keeps. PerShard() by default.
	PoolSize PoolSize

	// MaxConnectRate limits connection attempts to one node per second.
	//
	// Default is DefMaxConnectRate.
	MaxConnectRate int

	// InitialBackoffInterval configures InitialInterval for ExponentialBackOff algorithm.
	// See https://godoc.org/github.com/cenkalti/backoff#ExponentialBackOff for more info.
	//
	// Default is DefInitBackoffInterval
	InitialBackoffInterval time.Duration

	// MaxBackoffInterval configures MaxInterval for ExponentialBackOff algorithm.
	// See https://godoc.org/github.com/cenkalti/backoff#ExponentialBackOff for more info.
	//
	// Default is DefMaxBackoffInterval
	MaxBackoffInterval time.Duration

	// DisableShardAwarePort forces dialing the regular port even if the node advertises a shard-aware one.
	DisableShardAwarePort bool

	// Metrics is shared between pools. Pools don't report metrics when nil.
	Metrics *Metrics

	// backoffRandomizationFactor is used in tests only: production pools keep the default factor.
	// See https://godoc.org/github.com/cenkalti/backoff#ExponentialBackOff for more info
	backoffRandomizationFactor *float64
}

// FlagsParser is needed to embed cqlpool into production application.
// For example flag.FlagSet or pflag.FlagSet could be used here or you could implement
// your own config parser.
type FlagsParser interface {
	IntVar(dst *int, name string, def int, descr string)
	DurationVar(p *time.Duration, name string, value time.Duration, usage string)
	StringVar(p *string, name string, value string, usage string)
}

// FlagConfig is the part of Config filled by NewConfig.
// Call Config() after the flags were parsed.
type FlagConfig struct {
	cfg Config

	keyspace      string
	poolSizeFixed int
}

// NewConfig registers configuration flags using FlagsParser.
// If you use flag.FlagSet-based parsers, config will be filled only after Parse() method invoked.
func NewConfig(p FlagsParser) *FlagConfig {
	var fc FlagConfig
	c := &fc.cfg

	p.DurationVar(&c.ConnectTimeout, "connect_timeout", DefConnectTimeout,
		"Maximum amount of time a new connection may take to become ready")
	p.DurationVar(&c.InitialBackoffInterval, "init_backoff_interval", DefInitBackoffInterval,
		"Initial backoff interval to reconnect a pool slot")
	p.DurationVar(&c.MaxBackoffInterval, "max_backoff_interval", DefMaxBackoffInterval,
		"Maximum backoff interval to reconnect a pool slot")
	p.IntVar(&c.MaxConnectRate, "max_connect_rate", DefMaxConnectRate,
		"Maximum number of connection attempts per node per second")

	p.DurationVar(&c.KeepaliveInterval, "keepalive_interval", DefKeepaliveInterval,
		"Interval between heartbeats sent on idle and busy connections")
	p.DurationVar(&c.KeepaliveTimeout, "keepalive_timeout", DefKeepaliveTimeout,
		"Maximum amount of time a heartbeat waits for an answer")
	p.IntVar(&c.MaxInFlight, "max_in_flight", DefMaxInFlight,
		"Maximum number of concurrent requests per connection")

	p.StringVar(&fc.keyspace, "keyspace", "",
		"Keyspace every connection is bound to")
	p.IntVar(&fc.poolSizeFixed, "pool_size_fixed", 0,
		"Fixed number of connections per node; one connection per shard when 0")

	return &fc
}

// Config validates parsed flags and returns the resulting configuration.
func (fc *FlagConfig) Config() (Config, error) {
	c := fc.cfg

	if fc.keyspace != "" {
		ks, err := NewVerifiedKeyspaceName(fc.keyspace, false)
		if err != nil {
			return Config{}, err
		}
		c.Keyspace = &ks
	}

	if fc.poolSizeFixed > 0 {
		c.PoolSize = Fixed(fc.poolSizeFixed)
	}

	return c, nil
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefConnectTimeout
	}

	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefKeepaliveInterval
	}

	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = DefKeepaliveTimeout
	}

	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefMaxInFlight
	}

	if c.MaxInFlight > MaxInFlightLimit {
		c.MaxInFlight = MaxInFlightLimit
	}

	if c.CQLVersion == "" {
		c.CQLVersion = DefCQLVersion
	}

	if c.Dialer == nil {
		c.Dialer = &TCPDialer{}
	}

	if c.Clock == nil {
		c.Clock = SystemClock()
	}

	if c.Logger == nil {
		c.Logger = nopLogger()
	}

	return c
}

func (c Config) withDefaults() Config {
	c.ConnectionConfig = c.ConnectionConfig.withDefaults()

	if c.PoolSize.n <= 0 {
		c.PoolSize = PerShard()
	}

	if c.MaxConnectRate <= 0 {
		c.MaxConnectRate = DefMaxConnectRate
	}

	if c.InitialBackoffInterval == 0 {
		c.InitialBackoffInterval = DefInitBackoffInterval
	}

	if c.MaxBackoffInterval == 0 {
		c.MaxBackoffInterval = DefMaxBackoffInterval
	}

	return c
}

// PoolSize is either one connection per shard or a fixed number of connections per node.
type PoolSize struct {
	perShard bool
	n        int
}

// PerShard keeps one connection per shard. Shard-unaware nodes get one connection.
func PerShard() PoolSize {
	return PoolSize{perShard: true, n: 1}
}

// Fixed keeps n connections regardless of the shard count.
func Fixed(n int) PoolSize {
	if n < 1 {
		n = 1
	}
	return PoolSize{n: n}
}

func (s PoolSize) IsPerShard() bool {
	return s.perShard
}

// slots returns the number of slots for a node with nrShards shards (0 when unknown).
func (s PoolSize) slots(nrShards int) int {
	if s.perShard {
		if nrShards < 1 {
			return 1
		}
		return nrShards
	}
	return s.n
}

func (s PoolSize) String() string {
	if s.perShard {
		return "per_shard"
	}
	return "fixed(" + strconv.Itoa(s.n) + ")"
}
