// Package retry decides the fate of failed requests.
//
// A Policy is a stateless factory shared by every statement execution. Each execution asks it for a
// fresh Session and feeds the session one RequestInfo per failed attempt. The session answers with a
// Decision: retry on the same node, retry on the next node of the plan, stop, or stop while reporting
// success (IgnoreWriteTimeout).
//
// Decisions are pure computations: a session never blocks and never fails. Any retry it allows still
// goes through the connection pool, which can fail independently.
//
package retry

import "github.com/derElektrobesen/cqlpool/cql"

// Action is what the execution loop should do after a failed attempt.
type Action int

const (
	// DontRetry stops the execution and returns the last error to the caller.
	DontRetry Action = iota
	// RetrySameNode sends the statement again to the node which failed it.
	RetrySameNode
	// RetryNextNode moves on to the next node of the query plan.
	RetryNextNode
	// IgnoreWriteTimeout stops the execution but reports success to the caller.
	// It is only used for writes which may have been partially applied.
	IgnoreWriteTimeout
)

func (a Action) String() string {
	switch a {
	case DontRetry:
		return "dont_retry"
	case RetrySameNode:
		return "retry_same_node"
	case RetryNextNode:
		return "retry_next_node"
	case IgnoreWriteTimeout:
		return "ignore_write_timeout"
	default:
		return "unknown"
	}
}

// Decision is produced once per failed attempt.
type Decision struct {
	Action Action

	consistency cql.Consistency
	override    bool
}

// Consistency returns the consistency the next attempt should use, if the decision changes it.
func (d Decision) Consistency() (cql.Consistency, bool) {
	return d.consistency, d.override
}

func (d Decision) String() string {
	if d.override {
		return d.Action.String() + "@" + d.consistency.String()
	}
	return d.Action.String()
}

func Stop() Decision {
	return Decision{Action: DontRetry}
}

func Ignore() Decision {
	return Decision{Action: IgnoreWriteTimeout}
}

func SameNode() Decision {
	return Decision{Action: RetrySameNode}
}

func NextNode() Decision {
	return Decision{Action: RetryNextNode}
}

// SameNodeWithConsistency retries on the same node using another consistency level.
func SameNodeWithConsistency(c cql.Consistency) Decision {
	return Decision{Action: RetrySameNode, consistency: c, override: true}
}

// RequestInfo describes one failed attempt.
type RequestInfo struct {
	// Error is the failure exactly as the connection returned it.
	Error error

	// Idempotent is the idempotency flag of the statement.
	Idempotent bool

	// Consistency is the consistency used by the failed attempt.
	Consistency cql.Consistency
}

// Policy creates sessions. Implementations must be safe for concurrent use.
type Policy interface {
	NewSession() Session
}

// Session is owned by exactly one statement execution.
type Session interface {
	// Decide consumes one failed attempt.
	Decide(info RequestInfo) Decision

	// Reset returns the session to its initial state.
	Reset()
}
