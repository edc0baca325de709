package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/derElektrobesen/cqlpool/cql"
)

// Request is a message the client sends to the server.
type Request interface {
	Opcode() Opcode
	AppendBody(dst []byte) ([]byte, error)
}

type Options struct{}

func (Options) Opcode() Opcode { return OpOptions }

func (Options) AppendBody(dst []byte) ([]byte, error) { return dst, nil }

type Startup struct {
	Options map[string]string
}

func (Startup) Opcode() Opcode { return OpStartup }

func (s Startup) AppendBody(dst []byte) ([]byte, error) {
	return AppendStringMap(dst, s.Options), nil
}

type AuthResponse struct {
	Token []byte
}

func (AuthResponse) Opcode() Opcode { return OpAuthResponse }

func (a AuthResponse) AppendBody(dst []byte) ([]byte, error) {
	return AppendBytes(dst, a.Token), nil
}

// Query is an unprepared statement without bound values.
type Query struct {
	Statement   string
	Consistency cql.Consistency
}

func (Query) Opcode() Opcode { return OpQuery }

func (q Query) AppendBody(dst []byte) ([]byte, error) {
	dst = AppendLongString(dst, q.Statement)
	dst = AppendShort(dst, uint16(q.Consistency))
	return append(dst, 0), nil // no query flags
}

type BatchType byte

const (
	LoggedBatch   BatchType = 0
	UnloggedBatch BatchType = 1
	CounterBatch  BatchType = 2
)

// Batch groups unprepared statements without bound values.
type Batch struct {
	Type        BatchType
	Statements  []string
	Consistency cql.Consistency
}

func (Batch) Opcode() Opcode { return OpBatch }

func (b Batch) AppendBody(dst []byte) ([]byte, error) {
	if !fitsShort(len(b.Statements)) {
		return dst, &cql.TooManyQueriesInBatchError{Count: len(b.Statements)}
	}

	dst = append(dst, byte(b.Type))
	dst = AppendShort(dst, uint16(len(b.Statements)))
	for _, stmt := range b.Statements {
		dst = append(dst, 0) // kind: unprepared string
		dst = AppendLongString(dst, stmt)
		dst = AppendShort(dst, 0) // no values
	}
	dst = AppendShort(dst, uint16(b.Consistency))
	return append(dst, 0), nil // no batch flags
}

// Encode appends a complete request frame on the given stream to dst.
func Encode(dst []byte, stream int16, req Request) ([]byte, error) {
	start := len(dst)
	dst = AppendHeader(dst, Header{
		Version: ProtoVersion4,
		Stream:  stream,
		Op:      req.Opcode(),
	})

	dst, err := req.AppendBody(dst)
	if err != nil {
		return dst[:start], err
	}

	n := len(dst) - start - HeaderSize
	if n > MaxBodySize {
		return dst[:start], errors.Errorf("request body of %d bytes exceeds the frame limit", n)
	}

	// patch the length now that the body is known
	binary.BigEndian.PutUint32(dst[start+5:start+HeaderSize], uint32(n))
	return dst, nil
}
