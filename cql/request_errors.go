package cql

import "fmt"

// ErrorCode is the [int] error code of an ERROR response.
type ErrorCode int

const (
	ErrCodeServer          ErrorCode = 0x0000
	ErrCodeProtocol        ErrorCode = 0x000A
	ErrCodeBadCredentials  ErrorCode = 0x0100
	ErrCodeUnavailable     ErrorCode = 0x1000
	ErrCodeOverloaded      ErrorCode = 0x1001
	ErrCodeIsBootstrapping ErrorCode = 0x1002
	ErrCodeTruncate        ErrorCode = 0x1003
	ErrCodeWriteTimeout    ErrorCode = 0x1100
	ErrCodeReadTimeout     ErrorCode = 0x1200
	ErrCodeReadFailure     ErrorCode = 0x1300
	ErrCodeFunctionFailure ErrorCode = 0x1400
	ErrCodeWriteFailure    ErrorCode = 0x1500
	ErrCodeSyntax          ErrorCode = 0x2000
	ErrCodeUnauthorized    ErrorCode = 0x2100
	ErrCodeInvalid         ErrorCode = 0x2200
	ErrCodeConfig          ErrorCode = 0x2300
	ErrCodeAlreadyExists   ErrorCode = 0x2400
	ErrCodeUnprepared      ErrorCode = 0x2500
)

// RequestError is implemented by every error returned by the database itself.
type RequestError interface {
	error
	Code() ErrorCode
	Message() string
}

// DBError is an ERROR response without code-specific details.
// It is embedded into more specific error types.
type DBError struct {
	ErrCode ErrorCode
	Msg     string
}

func (e *DBError) Code() ErrorCode {
	return e.ErrCode
}

func (e *DBError) Message() string {
	return e.Msg
}

func (e *DBError) Error() string {
	return fmt.Sprintf("database error 0x%04X: %s", int(e.ErrCode), e.Msg)
}

// RequestErrUnavailable: the coordinator knows not enough replicas are alive.
type RequestErrUnavailable struct {
	DBError
	Consistency Consistency
	Required    int
	Alive       int
}

func (e *RequestErrUnavailable) Error() string {
	return fmt.Sprintf("unavailable: %s (consistency %s, required %d, alive %d)",
		e.Msg, e.Consistency, e.Required, e.Alive)
}

// RequestErrReadTimeout: replicas were alive but did not answer in time.
type RequestErrReadTimeout struct {
	DBError
	Consistency Consistency
	Received    int
	BlockFor    int
	DataPresent bool
}

func (e *RequestErrReadTimeout) Error() string {
	return fmt.Sprintf("read timeout: %s (consistency %s, received %d of %d, data present %v)",
		e.Msg, e.Consistency, e.Received, e.BlockFor, e.DataPresent)
}

type RequestErrWriteTimeout struct {
	DBError
	Consistency Consistency
	Received    int
	BlockFor    int
	WriteType   WriteType
}

func (e *RequestErrWriteTimeout) Error() string {
	return fmt.Sprintf("write timeout: %s (consistency %s, received %d of %d, write type %s)",
		e.Msg, e.Consistency, e.Received, e.BlockFor, e.WriteType)
}

type RequestErrReadFailure struct {
	DBError
	Consistency Consistency
	Received    int
	BlockFor    int
	NumFailures int
	DataPresent bool
}

type RequestErrWriteFailure struct {
	DBError
	Consistency Consistency
	Received    int
	BlockFor    int
	NumFailures int
	WriteType   WriteType
}

type RequestErrFunctionFailure struct {
	DBError
	Keyspace string
	Function string
	ArgTypes []string
}

type RequestErrAlreadyExists struct {
	DBError
	Keyspace string
	Table    string
}

type RequestErrUnprepared struct {
	DBError
	StatementID []byte
}
