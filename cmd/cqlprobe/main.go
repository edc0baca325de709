// Command cqlprobe connects a shard-aware pool to one node, waits for every slot to get a connection
// and optionally runs a statement through the retry machinery.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/derElektrobesen/cqlpool"
	"github.com/derElektrobesen/cqlpool/cql"
	"github.com/derElektrobesen/cqlpool/retry"
)

type options struct {
	addr       string
	configFile string
	wait       time.Duration
	logLevel   string

	username      string
	password      string
	tls           bool
	tlsSkipVerify bool

	query       string
	consistency string
	policy      string
	idempotent  bool
	token       string
}

func newRootCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:          "cqlprobe",
		Short:        "Check the connection pool of a CQL node",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}

	fc := cqlpool.NewConfig(cmd.Flags())

	cmd.Flags().StringVar(&o.addr, "addr", "127.0.0.1:9042", "Address of the node")
	cmd.Flags().StringVar(&o.configFile, "config", "", "YAML file with flag values; flags given explicitly win")
	cmd.Flags().DurationVar(&o.wait, "wait", 10*time.Second, "How long to wait for the pool to fill")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&o.username, "username", "", "User name for PasswordAuthenticator")
	cmd.Flags().StringVar(&o.password, "password", "", "Password for PasswordAuthenticator")
	cmd.Flags().BoolVar(&o.tls, "tls", false, "Connect with TLS")
	cmd.Flags().BoolVar(&o.tlsSkipVerify, "tls-skip-verify", false, "Don't verify the certificate of the node")
	cmd.Flags().StringVar(&o.query, "query", "", "Statement to run once the pool is ready")
	cmd.Flags().StringVar(&o.consistency, "consistency", cqlpool.DefConsistency.String(), "Consistency of the statement")
	cmd.Flags().StringVar(&o.policy, "policy", "default", "Retry policy: default, downgrading or fallthrough")
	cmd.Flags().BoolVar(&o.idempotent, "idempotent", false, "Mark the statement as idempotent")
	cmd.Flags().StringVar(&o.token, "token", "", "Route the statement to the shard owning the token")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if o.configFile != "" {
			if err := applyConfigFile(cmd.Flags(), o.configFile); err != nil {
				return err
			}
		}

		cfg, err := fc.Config()
		if err != nil {
			return err
		}

		logger, err := newLogger(cmd.ErrOrStderr(), o.logLevel)
		if err != nil {
			return err
		}
		cfg.Logger = logger

		if o.username != "" {
			cfg.Authenticator = cqlpool.PasswordAuthenticator{Username: o.username, Password: o.password}
		}
		if o.tls {
			cfg.TLSConfig = &tls.Config{InsecureSkipVerify: o.tlsSkipVerify} // nolint:gosec
		}

		return run(cmd.Context(), cmd.OutOrStdout(), o, cfg)
	}

	return cmd
}

func newLogger(w io.Writer, lvl string) (log.Logger, error) {
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, errors.Errorf("unknown log level %q", lvl)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

func run(ctx context.Context, out io.Writer, o options, cfg cqlpool.Config) error {
	pool := cqlpool.NewPool(o.addr, cfg)
	defer pool.Close()

	h, err := waitReady(ctx, pool, o.wait)
	printHealth(out, pool.Addr(), h)
	if err != nil {
		return err
	}

	if o.query == "" {
		return nil
	}

	stmt, err := newStatement(o)
	if err != nil {
		return err
	}

	policy, err := newPolicy(o.policy)
	if err != nil {
		return err
	}

	target := cqlpool.Target{Pool: pool, Shard: cqlpool.AnyShard}
	if o.token != "" {
		token, err := strconv.ParseInt(o.token, 10, 64)
		if err != nil {
			return errors.Wrap(err, "bad token")
		}
		if s, ok := pool.Sharder(); ok {
			target.Shard = s.ShardOf(token)
		}
	}

	res, err := cqlpool.NewExecutor(policy, cfg.Logger).Execute(ctx, stmt, []cqlpool.Target{target})
	if err != nil {
		return err
	}

	printResult(out, res)
	return nil
}

// waitReady polls the pool until every slot has a connection.
func waitReady(ctx context.Context, pool *cqlpool.Pool, wait time.Duration) (cqlpool.PoolHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		h := pool.Health()
		if h.Total > 0 && h.Healthy == h.Total {
			return h, nil
		}

		select {
		case <-ctx.Done():
			return h, errors.Wrapf(ctx.Err(), "%d of %d slots connected", h.Healthy, h.Total)
		case <-ticker.C:
		}
	}
}

func newStatement(o options) (cqlpool.Statement, error) {
	cl, err := cql.ParseConsistency(o.consistency)
	if err != nil {
		return nil, err
	}

	q := cqlpool.NewQuery(o.query)
	q.Consistency = cl
	q.Idempotent = o.idempotent
	return q, nil
}

func newPolicy(name string) (retry.Policy, error) {
	switch name {
	case "default":
		return retry.NewDefault(), nil
	case "downgrading":
		return retry.NewDowngradingConsistency(), nil
	case "fallthrough":
		return retry.NewFallthrough(), nil
	default:
		return nil, errors.Errorf("unknown retry policy %q", name)
	}
}

func printHealth(w io.Writer, addr string, h cqlpool.PoolHealth) {
	fmt.Fprintf(w, "node %s: %d/%d slots connected, %d shards\n", addr, h.Healthy, h.Total, h.ShardCount)
	for i, s := range h.Slots {
		state := "down"
		if s.Connected {
			state = "up"
		}

		last := "never"
		if !s.LastConnected.IsZero() {
			last = s.LastConnected.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  slot %d: %s shard=%d last_connected=%s\n", i, state, s.Shard, last)
	}
}

func printResult(w io.Writer, res *cqlpool.Result) {
	if res.Ignored {
		fmt.Fprintln(w, "write timeout ignored by the retry policy")
		return
	}

	fmt.Fprintf(w, "result kind %d, %d bytes\n", res.Kind, len(res.Body))
	if res.Keyspace != "" {
		fmt.Fprintf(w, "keyspace: %s\n", res.Keyspace)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
