package retry

import (
	"context"

	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

// ErrorKind is the retry-relevant class of a failure.
type ErrorKind int

const (
	KindOther ErrorKind = iota

	// The request is known to have never reached the coordinator.
	KindNotSent
	// The connection had no free stream id for the request.
	KindStreamsExhausted
	// The connection broke while the request was in flight.
	KindBrokenConnection
	// The connection was closed by the driver while the request was in flight.
	KindConnectionClosing
	// No response arrived within the client-side request timeout.
	KindRequestTimeout

	KindUnavailable
	KindReadTimeout
	KindWriteTimeout
	KindReadFailure
	KindWriteFailure
	KindOverloaded
	KindIsBootstrapping
	KindServerError
	KindTruncateError
	KindUnprepared

	// Syntax, authorization, validation and similar errors: retries can't help.
	KindUnrecoverable
)

var kindNames = map[ErrorKind]string{
	KindOther:             "other",
	KindNotSent:           "not_sent",
	KindStreamsExhausted:  "streams_exhausted",
	KindBrokenConnection:  "broken_connection",
	KindConnectionClosing: "connection_closing",
	KindRequestTimeout:    "request_timeout",
	KindUnavailable:       "unavailable",
	KindReadTimeout:       "read_timeout",
	KindWriteTimeout:      "write_timeout",
	KindReadFailure:       "read_failure",
	KindWriteFailure:      "write_failure",
	KindOverloaded:        "overloaded",
	KindIsBootstrapping:   "is_bootstrapping",
	KindServerError:       "server_error",
	KindTruncateError:     "truncate_error",
	KindUnprepared:        "unprepared",
	KindUnrecoverable:     "unrecoverable",
}

func (k ErrorKind) String() string {
	return kindNames[k]
}

// Classify maps an error returned by a connection to its kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}

	var reqErr cql.RequestError
	if errors.As(err, &reqErr) {
		return classifyRequestError(reqErr)
	}

	switch {
	case errors.Is(err, cql.ErrNoStreams):
		return KindStreamsExhausted
	case errors.Is(err, cql.ErrNoConnections):
		return KindNotSent
	}

	var qe *cql.QueryError
	if errors.As(err, &qe) && !qe.PotentiallyExecuted() {
		return KindNotSent
	}

	switch {
	case errors.Is(err, cql.ErrConnectionClosing):
		return KindConnectionClosing
	case errors.Is(err, cql.ErrConnectionBroken):
		return KindBrokenConnection
	case errors.Is(err, cql.ErrTimeoutNoResponse), errors.Is(err, context.DeadlineExceeded):
		return KindRequestTimeout
	case errors.Is(err, cql.ErrProtocol):
		return KindServerError
	}

	return KindOther
}

func classifyRequestError(err cql.RequestError) ErrorKind {
	switch err.Code() {
	case cql.ErrCodeUnavailable:
		return KindUnavailable
	case cql.ErrCodeReadTimeout:
		return KindReadTimeout
	case cql.ErrCodeWriteTimeout:
		return KindWriteTimeout
	case cql.ErrCodeReadFailure:
		return KindReadFailure
	case cql.ErrCodeWriteFailure:
		return KindWriteFailure
	case cql.ErrCodeOverloaded:
		return KindOverloaded
	case cql.ErrCodeIsBootstrapping:
		return KindIsBootstrapping
	case cql.ErrCodeServer:
		return KindServerError
	case cql.ErrCodeTruncate:
		return KindTruncateError
	case cql.ErrCodeUnprepared:
		return KindUnprepared
	default:
		return KindUnrecoverable
	}
}
