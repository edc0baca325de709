package cqlpool

import (
	"github.com/derElektrobesen/cqlpool/cql"
	"github.com/derElektrobesen/cqlpool/frame"
)

// DefConsistency is used by NewQuery and NewBatch.
const DefConsistency = cql.LocalQuorum

// StatementOptions are the per-statement settings the execution loop and retry policies look at.
type StatementOptions struct {
	Consistency cql.Consistency

	// Idempotent statements are safe to run more than once: retry policies retry them more eagerly.
	Idempotent bool
}

func (o StatementOptions) Options() StatementOptions {
	return o
}

// Statement is either a Query or a Batch.
type Statement interface {
	Options() StatementOptions

	validate() error
	request(cl cql.Consistency) frame.Request
}

// Query is an unprepared statement without bound values.
type Query struct {
	Text string
	StatementOptions
}

func NewQuery(text string) Query {
	return Query{Text: text, StatementOptions: StatementOptions{Consistency: DefConsistency}}
}

func (q Query) validate() error {
	return nil
}

func (q Query) request(cl cql.Consistency) frame.Request {
	return frame.Query{Statement: q.Text, Consistency: cl}
}

// Batch groups unprepared statements. A batch carries at most cql.MaxBatchStatements statements.
type Batch struct {
	Type       frame.BatchType
	Statements []string
	StatementOptions
}

func NewBatch(typ frame.BatchType, statements ...string) Batch {
	return Batch{
		Type:             typ,
		Statements:       statements,
		StatementOptions: StatementOptions{Consistency: DefConsistency},
	}
}

func (b Batch) validate() error {
	if len(b.Statements) > cql.MaxBatchStatements {
		return &cql.TooManyQueriesInBatchError{Count: len(b.Statements)}
	}
	return nil
}

func (b Batch) request(cl cql.Consistency) frame.Request {
	return frame.Batch{Type: b.Type, Statements: b.Statements, Consistency: cl}
}

// Result is the outcome of a successful execution.
type Result struct {
	frame.Result

	// Ignored is set when a retry policy decided to report a write timeout as a success:
	// the result body is empty then.
	Ignored bool
}
