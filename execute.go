package cqlpool

import (
	"context"

	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
	"github.com/derElektrobesen/cqlpool/retry"
)

//go:generate mockgen -source=execute.go -destination=mock_execute_test.go -package=cqlpool

// Requester sends statements. *Connection implements it.
type Requester interface {
	Execute(ctx context.Context, stmt Statement, cl cql.Consistency) (*Result, error)
}

// ConnectionSource hands out connections without blocking. *Pool implements it.
type ConnectionSource interface {
	Acquire(hint Shard) (Requester, error)
}

// Target is one entry of a query plan: a node and the shard owning the data, AnyShard if unknown.
type Target struct {
	Pool  ConnectionSource
	Shard Shard
}

// Executor runs statements over query plans, following the decisions of a retry policy.
// It is safe for concurrent use.
type Executor struct {
	policy retry.Policy
	logger Logger
}

// NewExecutor creates an executor. nil policy means retry.NewDefault(), nil logger discards messages.
func NewExecutor(policy retry.Policy, logger Logger) *Executor {
	if policy == nil {
		policy = retry.NewDefault()
	}
	if logger == nil {
		logger = nopLogger()
	}
	return &Executor{policy: policy, logger: logger}
}

// Execute runs the statement on the targets of the plan, in order.
//
// Statements failing local validation (cql.TooManyQueriesInBatchError) are rejected before any
// connection is acquired. Errors the retry policy doesn't retry are returned unchanged.
// When the plan is exhausted the last error is returned, cql.ErrNoNodesAvailable for empty plans.
func (e *Executor) Execute(ctx context.Context, stmt Statement, plan []Target) (*Result, error) {
	if err := stmt.validate(); err != nil {
		return nil, err
	}

	opts := stmt.Options()
	cl := opts.Consistency
	session := e.policy.NewSession()

	var lastErr error

	for i := 0; i < len(plan); {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}

		target := plan[i]

		conn, err := target.Pool.Acquire(target.Shard)
		if err != nil {
			// the request was never sent: it is always safe to go on
			lastErr = err
			i++
			continue
		}

		res, err := conn.Execute(ctx, stmt, cl)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// the caller gave up: the decision doesn't matter
		if ctx.Err() != nil {
			return nil, err
		}

		decision := session.Decide(retry.RequestInfo{
			Error:       err,
			Idempotent:  opts.Idempotent,
			Consistency: cl,
		})

		logDebug(e.logger, "msg", "request failed", "target", i, "consistency", cl,
			"decision", decision, "err", err)

		if c, ok := decision.Consistency(); ok {
			cl = c
		}

		switch decision.Action {
		case retry.RetrySameNode:
		case retry.RetryNextNode:
			i++
		case retry.IgnoreWriteTimeout:
			return &Result{Ignored: true}, nil
		default:
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, errors.WithStack(cql.ErrNoNodesAvailable)
	}
	return nil, lastErr
}
