package cql

import (
	"fmt"

	"github.com/pkg/errors"
)

// Driver-side failures. All of them could be wrapped: use errors.Is or errors.Cause to compare.
var (
	// Transport
	ErrConnectionClosing = errors.New("connection closing")
	ErrConnectionBroken  = errors.New("connection broken")
	ErrNoStreams         = errors.New("no free stream ids on connection")
	ErrTimeoutNoResponse = errors.New("request timed out: no response from server")

	// Connect-time
	ErrAuthenticationRequired     = errors.New("server requires authentication")
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidKeyspaceName        = errors.New("invalid keyspace name")

	// Protocol
	ErrProtocol = errors.New("protocol error")

	// Pool and execution
	ErrNoConnections    = errors.New("no connections available")
	ErrPoolClosed       = errors.New("connection pool closed")
	ErrNoNodesAvailable = errors.New("no nodes available to execute the statement")
)

// MaxBatchStatements is the number of statements a batch frame can carry: the count is encoded as [short].
const MaxBatchStatements = 65535

// TooManyQueriesInBatchError is returned before any network I/O for batches exceeding MaxBatchStatements.
type TooManyQueriesInBatchError struct {
	Count int
}

func (e *TooManyQueriesInBatchError) Error() string {
	return fmt.Sprintf("too many queries in batch statement: %d, maximum is %d", e.Count, MaxBatchStatements)
}

// QueryError wraps transport-level failures of a single request.
//
// PotentiallyExecuted is false when it is known the request never left the client.
type QueryError struct {
	err                 error
	potentiallyExecuted bool
}

// NewQueryError wraps err.
func NewQueryError(err error, potentiallyExecuted bool) *QueryError {
	return &QueryError{err: err, potentiallyExecuted: potentiallyExecuted}
}

func (e *QueryError) PotentiallyExecuted() bool {
	return e.potentiallyExecuted
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s (potentially executed: %v)", e.err.Error(), e.potentiallyExecuted)
}

func (e *QueryError) Unwrap() error {
	return e.err
}

// Cause makes QueryError transparent for errors.Cause.
func (e *QueryError) Cause() error {
	return e.err
}
