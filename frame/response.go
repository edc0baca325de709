package frame

import (
	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

type Ready struct{}

type Authenticate struct {
	Class string
}

type AuthChallenge struct {
	Token []byte
}

type AuthSuccess struct {
	Token []byte
}

// Supported is the answer to OPTIONS: a multimap of the options the server supports.
type Supported struct {
	Options map[string][]string
}

type ResultKind int32

const (
	ResultVoid         ResultKind = 0x0001
	ResultRows         ResultKind = 0x0002
	ResultSetKeyspace  ResultKind = 0x0003
	ResultPrepared     ResultKind = 0x0004
	ResultSchemaChange ResultKind = 0x0005
)

// Result is a RESULT response. Body keeps the undecoded remainder for kinds other than SET_KEYSPACE.
type Result struct {
	Kind     ResultKind
	Keyspace string
	Body     []byte
	Warnings []string
}

type Event struct {
	Body []byte
}

// ParseResponse decodes a response body.
//
// The returned value is one of the response types of this package, or, for ERROR frames,
// an error from package cql: callers should switch over the returned type.
// The error result is non-nil only when the frame itself could not be decoded.
func ParseResponse(h Header, body []byte) (interface{}, error) {
	if !h.IsResponse() {
		return nil, errors.Errorf("frame with opcode 0x%02X is not a response", byte(h.Op))
	}
	if h.Flags&FlagCompression != 0 {
		return nil, errors.New("compressed frame received but compression was not negotiated")
	}

	r := NewReader(body)
	if h.Flags&FlagTracing != 0 {
		r.take(16) // tracing session uuid
	}

	var warnings []string
	if h.Flags&FlagWarning != 0 {
		warnings = r.StringList()
	}
	if h.Flags&FlagCustomPayload != 0 {
		n := int(r.Short())
		for i := 0; i < n && r.Err() == nil; i++ {
			r.ShortString()
			r.Bytes()
		}
	}

	var resp interface{}
	switch h.Op {
	case OpError:
		resp = parseError(r)
	case OpReady:
		resp = &Ready{}
	case OpAuthenticate:
		resp = &Authenticate{Class: r.ShortString()}
	case OpAuthChallenge:
		resp = &AuthChallenge{Token: r.Bytes()}
	case OpAuthSuccess:
		resp = &AuthSuccess{Token: r.Bytes()}
	case OpSupported:
		resp = &Supported{Options: r.StringMultiMap()}
	case OpResult:
		res := &Result{Kind: ResultKind(r.Int()), Warnings: warnings}
		if res.Kind == ResultSetKeyspace {
			res.Keyspace = r.ShortString()
		} else {
			res.Body = r.Rest()
		}
		resp = res
	case OpEvent:
		resp = &Event{Body: r.Rest()}
	default:
		return nil, errors.Errorf("unexpected response opcode 0x%02X", byte(h.Op))
	}

	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "can't decode response with opcode 0x%02X", byte(h.Op))
	}

	return resp, nil
}

func parseError(r *Reader) error {
	base := cql.DBError{
		ErrCode: cql.ErrorCode(r.Int()),
		Msg:     r.ShortString(),
	}

	switch base.ErrCode {
	case cql.ErrCodeUnavailable:
		return &cql.RequestErrUnavailable{
			DBError:     base,
			Consistency: cql.Consistency(r.Short()),
			Required:    int(r.Int()),
			Alive:       int(r.Int()),
		}
	case cql.ErrCodeWriteTimeout:
		return &cql.RequestErrWriteTimeout{
			DBError:     base,
			Consistency: cql.Consistency(r.Short()),
			Received:    int(r.Int()),
			BlockFor:    int(r.Int()),
			WriteType:   cql.WriteType(r.ShortString()),
		}
	case cql.ErrCodeReadTimeout:
		return &cql.RequestErrReadTimeout{
			DBError:     base,
			Consistency: cql.Consistency(r.Short()),
			Received:    int(r.Int()),
			BlockFor:    int(r.Int()),
			DataPresent: r.Byte() != 0,
		}
	case cql.ErrCodeReadFailure:
		return &cql.RequestErrReadFailure{
			DBError:     base,
			Consistency: cql.Consistency(r.Short()),
			Received:    int(r.Int()),
			BlockFor:    int(r.Int()),
			NumFailures: int(r.Int()),
			DataPresent: r.Byte() != 0,
		}
	case cql.ErrCodeWriteFailure:
		return &cql.RequestErrWriteFailure{
			DBError:     base,
			Consistency: cql.Consistency(r.Short()),
			Received:    int(r.Int()),
			BlockFor:    int(r.Int()),
			NumFailures: int(r.Int()),
			WriteType:   cql.WriteType(r.ShortString()),
		}
	case cql.ErrCodeFunctionFailure:
		return &cql.RequestErrFunctionFailure{
			DBError:  base,
			Keyspace: r.ShortString(),
			Function: r.ShortString(),
			ArgTypes: r.StringList(),
		}
	case cql.ErrCodeAlreadyExists:
		return &cql.RequestErrAlreadyExists{
			DBError:  base,
			Keyspace: r.ShortString(),
			Table:    r.ShortString(),
		}
	case cql.ErrCodeUnprepared:
		return &cql.RequestErrUnprepared{
			DBError:     base,
			StatementID: r.ShortBytes(),
		}
	default:
		return &base
	}
}
