package retry

import (
	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

// DefaultOptions tunes the borderline cases of the Default policy.
type DefaultOptions struct {
	// ReadTimeoutSlack is how many replica responses a server-side read timeout may be missing
	// and still be retried on the same node. Zero means the required count must have been met.
	ReadTimeoutSlack int
}

// Default is the policy used when none is configured.
//
//   - Requests which never reached the coordinator are retried on the next node.
//   - Failures hinting at a struggling node (overload, server error, broken connection,
//     client-side timeout) are retried on the next node when the statement is idempotent.
//   - Unavailable is retried once on the next node.
//   - Server-side read timeouts are retried once on the same node when enough replicas answered
//     but the data itself was missing.
//   - Server-side write timeouts are retried once on the same node for batch log writes of
//     idempotent statements.
//   - Anything else is returned to the caller.
type Default struct {
	opts DefaultOptions
}

func NewDefault() *Default {
	return NewDefaultWithOptions(DefaultOptions{})
}

func NewDefaultWithOptions(opts DefaultOptions) *Default {
	if opts.ReadTimeoutSlack < 0 {
		opts.ReadTimeoutSlack = 0
	}
	return &Default{opts: opts}
}

func (p *Default) NewSession() Session {
	return &defaultSession{opts: p.opts}
}

type defaultSession struct {
	opts DefaultOptions

	wasUnavailableRetry  bool
	wasReadTimeoutRetry  bool
	wasWriteTimeoutRetry bool
}

func (s *defaultSession) Decide(info RequestInfo) Decision {
	switch Classify(info.Error) {
	case KindNotSent, KindStreamsExhausted:
		return NextNode()

	case KindOverloaded, KindServerError, KindTruncateError,
		KindBrokenConnection, KindConnectionClosing, KindRequestTimeout:
		if info.Idempotent {
			return NextNode()
		}
		return Stop()

	case KindUnavailable:
		if s.wasUnavailableRetry {
			return Stop()
		}
		s.wasUnavailableRetry = true
		return NextNode()

	case KindReadTimeout:
		var rt *cql.RequestErrReadTimeout
		if s.wasReadTimeoutRetry || !info.Idempotent || !errors.As(info.Error, &rt) {
			return Stop()
		}
		if rt.Received+s.opts.ReadTimeoutSlack >= rt.BlockFor && !rt.DataPresent {
			s.wasReadTimeoutRetry = true
			return SameNode()
		}
		return Stop()

	case KindWriteTimeout:
		var wt *cql.RequestErrWriteTimeout
		if s.wasWriteTimeoutRetry || !info.Idempotent || !errors.As(info.Error, &wt) {
			return Stop()
		}
		if wt.WriteType == cql.WriteTypeBatchLog {
			s.wasWriteTimeoutRetry = true
			return SameNode()
		}
		return Stop()

	case KindIsBootstrapping:
		return NextNode()

	default:
		return Stop()
	}
}

func (s *defaultSession) Reset() {
	*s = defaultSession{opts: s.opts}
}
