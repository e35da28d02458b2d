/*
store.go - Persistence contract for the transactional document store

PURPOSE:
  Defines the interface between the engines and the external document
  store. The store offers exactly three primitives:
  - multi-document atomic transactions (RunInTransaction)
  - an atomic numeric increment outside transactions (Increment)
  - blind atomic batches with optional version preconditions (Commit)

KEY INTERFACES:
  Reader:   Get / Find, usable both inside and outside a transaction
  Tx:       a transaction handle; writes are staged until commit
  DocStore: the store itself

TRANSACTION ORDERING:
  Inside a transaction every read must happen before the first write.
  A read after a staged write fails with ErrReadAfterWrite. Engines are
  therefore written as read phase -> compute phase -> write phase.

OPTIMISTIC CONCURRENCY:
  Each document carries a version. When a document read in a transaction
  changes before commit, the attempt fails with ErrConcurrentModification
  and the store re-runs the transaction function on fresh state. The
  function must therefore be free of side effects outside the Tx.

IMPLEMENTATIONS:
  - generic/store/memory.go: in-memory (tests, dev)
  - store/sqlstore: SQLite / PostgreSQL

SEE ALSO:
  - document.go: query matching and increment helpers shared by stores
*/
package generic

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLECTIONS & DOCUMENTS
// =============================================================================

// Collection is a slash separated collection path, e.g. "branches/b1/dues".
type Collection string

// Path builds a collection path from segments.
func Path(segments ...string) Collection {
	return Collection(strings.Join(segments, "/"))
}

// Document is a raw stored document.
type Document struct {
	ID      string
	Data    json.RawMessage
	Version int64
}

// Decode unmarshals the document body into dst.
func (d Document) Decode(dst any) error {
	return json.Unmarshal(d.Data, dst)
}

// =============================================================================
// QUERIES
// =============================================================================

type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "in"
)

// Cond filters on a (dotted) JSON field.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query is a conjunction of conditions with optional ordering and limit.
type Query struct {
	Where   []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

// Where starts a query.
func Where(field string, op Op, value any) Query {
	return Query{Where: []Cond{{Field: field, Op: op, Value: value}}}
}

// And adds a condition.
func (q Query) And(field string, op Op, value any) Query {
	where := make([]Cond, len(q.Where), len(q.Where)+1)
	copy(where, q.Where)
	q.Where = append(where, Cond{Field: field, Op: op, Value: value})
	return q
}

// Order sets the sort field.
func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader reads documents.
type Reader interface {
	// Get decodes the document into dst. Returns false if it does not exist.
	Get(ctx context.Context, col Collection, id string, dst any) (bool, error)

	// Find returns every document in col matching q.
	Find(ctx context.Context, col Collection, q Query) ([]Document, error)
}

// Tx is a transaction handle. Writes are staged and applied atomically on
// commit, in the order they were issued.
type Tx interface {
	Reader

	// Set replaces the document.
	Set(col Collection, id string, v any) error

	// Create writes a new document; commit fails with ErrAlreadyExists if it exists.
	Create(col Collection, id string, v any) error

	// Delete removes the document if present.
	Delete(col Collection, id string) error

	// Increment atomically adds delta to a numeric field (dotted path),
	// creating the document and field if needed. It does not count as a read.
	Increment(col Collection, id string, field string, delta decimal.Decimal) error
}

// TxFunc is the body of a transaction. It may run more than once.
type TxFunc func(ctx context.Context, tx Tx) error

// WriteKind discriminates batch writes.
type WriteKind string

const (
	WriteSet       WriteKind = "set"
	WriteCreate    WriteKind = "create"
	WriteDelete    WriteKind = "delete"
	WriteIncrement WriteKind = "increment"
)

// Write is one staged or batched mutation.
type Write struct {
	Kind       WriteKind
	Collection Collection
	ID         string
	Value      any
	Field      string
	Delta      decimal.Decimal

	// IfVersion, when non-zero, rejects the write unless the stored
	// document still has this version.
	IfVersion int64
}

// DocStore is the external transactional document store.
type DocStore interface {
	Reader

	// RunInTransaction executes fn atomically, retrying on ErrConcurrentModification.
	RunInTransaction(ctx context.Context, fn TxFunc) error

	// Increment atomically adds delta to a numeric field and returns the new value.
	Increment(ctx context.Context, col Collection, id string, field string, delta decimal.Decimal) (decimal.Decimal, error)

	// Commit applies writes as one atomic batch.
	Commit(ctx context.Context, writes []Write) error
}

// =============================================================================
// STAGING - Write buffer shared by Tx implementations
// =============================================================================

// Staging buffers the writes of one transaction attempt and enforces the
// read-before-write rule. Store Tx implementations embed it.
type Staging struct {
	Writes []Write
}

// CheckRead returns ErrReadAfterWrite once any write has been staged.
func (s *Staging) CheckRead() error {
	if len(s.Writes) > 0 {
		return ErrReadAfterWrite
	}
	return nil
}

// Set and Create encode v immediately, so later changes to v never reach the commit.
func (s *Staging) Set(col Collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Writes = append(s.Writes, Write{Kind: WriteSet, Collection: col, ID: id, Value: json.RawMessage(data)})
	return nil
}

func (s *Staging) Create(col Collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Writes = append(s.Writes, Write{Kind: WriteCreate, Collection: col, ID: id, Value: json.RawMessage(data)})
	return nil
}

func (s *Staging) Delete(col Collection, id string) error {
	s.Writes = append(s.Writes, Write{Kind: WriteDelete, Collection: col, ID: id})
	return nil
}

func (s *Staging) Increment(col Collection, id string, field string, delta decimal.Decimal) error {
	if field == "" {
		return NewValidationError("field", "increment field is required")
	}
	s.Writes = append(s.Writes, Write{Kind: WriteIncrement, Collection: col, ID: id, Field: field, Delta: delta})
	return nil
}
