package retry

import (
	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

// DowngradingConsistency trades consistency for availability: the caller accepts eventual consistency.
//
// When the server reports how many replicas are alive or answered, the statement is retried once on
// the same node at the highest consistency those replicas can still satisfy. Partially applied
// simple and logged batch writes of non-idempotent statements are reported as successful
// (IgnoreWriteTimeout). Serial consistencies are never downgraded: such statements get the
// Default decisions.
type DowngradingConsistency struct {
	fallback *Default
}

func NewDowngradingConsistency() *DowngradingConsistency {
	return &DowngradingConsistency{fallback: NewDefault()}
}

func (p *DowngradingConsistency) NewSession() Session {
	return &downgradingSession{fallback: p.fallback.NewSession()}
}

type downgradingSession struct {
	fallback Session
	wasRetry bool
}

// maxLikelyToWork picks the consistency the knownOK replicas are able to satisfy.
func maxLikelyToWork(knownOK int, previous cql.Consistency) Decision {
	switch {
	case knownOK >= 3:
		return SameNodeWithConsistency(cql.Three)
	case knownOK == 2:
		return SameNodeWithConsistency(cql.Two)
	case knownOK == 1 || previous == cql.EachQuorum:
		// EACH_QUORUM with no live replica in some datacenter could still succeed at ONE.
		return SameNodeWithConsistency(cql.One)
	default:
		return Stop()
	}
}

func (s *downgradingSession) Decide(info RequestInfo) Decision {
	kind := Classify(info.Error)
	switch kind {
	case KindUnavailable, KindReadTimeout, KindWriteTimeout:
		if info.Consistency.IsSerial() {
			return s.fallback.Decide(info)
		}
	default:
		return s.fallback.Decide(info)
	}

	if s.wasRetry {
		return Stop()
	}

	switch kind {
	case KindUnavailable:
		var ua *cql.RequestErrUnavailable
		if !errors.As(info.Error, &ua) {
			return Stop()
		}
		s.wasRetry = true
		return maxLikelyToWork(ua.Alive, info.Consistency)

	case KindReadTimeout:
		var rt *cql.RequestErrReadTimeout
		if !errors.As(info.Error, &rt) {
			return Stop()
		}
		switch {
		case rt.Received < rt.BlockFor:
			s.wasRetry = true
			return maxLikelyToWork(rt.Received, info.Consistency)
		case !rt.DataPresent:
			s.wasRetry = true
			return SameNode()
		default:
			return Stop()
		}

	default: // write timeout
		var wt *cql.RequestErrWriteTimeout
		if !errors.As(info.Error, &wt) {
			return Stop()
		}
		return s.decideWriteTimeout(wt, info)
	}
}

func (s *downgradingSession) decideWriteTimeout(wt *cql.RequestErrWriteTimeout, info RequestInfo) Decision {
	switch wt.WriteType {
	case cql.WriteTypeSimple, cql.WriteTypeBatch:
		if wt.Received == 0 {
			return Stop()
		}
		s.wasRetry = true
		if info.Idempotent {
			return SameNode()
		}
		// at least one replica applied the write: it will eventually propagate
		return Ignore()

	case cql.WriteTypeUnloggedBatch:
		if !info.Idempotent {
			return Stop()
		}
		s.wasRetry = true
		return maxLikelyToWork(wt.Received, info.Consistency)

	case cql.WriteTypeBatchLog:
		if !info.Idempotent {
			return Stop()
		}
		s.wasRetry = true
		return SameNode()

	default:
		return Stop()
	}
}

func (s *downgradingSession) Reset() {
	s.wasRetry = false
	s.fallback.Reset()
}
