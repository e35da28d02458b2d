/*
Package sqlstore provides a database/sql implementation of generic.DocStore.

PURPOSE:
  Persists documents as JSON bodies in a single table keyed by
  (collection, id). SQLite is the default; PostgreSQL uses the same
  schema through the pgx stdlib driver.

KEY TABLE:
  documents: collection, id, body (JSON), version, updated_at

CONCURRENCY:
  Every document carries a version that is bumped on each write.
  Transactions record the version of every document they read; at
  commit, writes to those documents are conditional on the version
  being unchanged. A lost race aborts the attempt with
  ErrConcurrentModification and the transaction function is re-run,
  up to MaxAttempts times.

  SQLite has a single writer, so its transactions are additionally
  serialized in process with a mutex (as the single-writer WAL setup
  would block anyway).

QUERIES:
  Find loads a collection and filters in Go with generic.ApplyQuery, so
  both dialects share one filter implementation.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/school.db", sqlstore.Options{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: interface definitions
  - generic/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

const defaultMaxAttempts = 5

// Store implements generic.DocStore on database/sql.
type Store struct {
	db          *sql.DB
	dialect     Dialect
	mu          sync.Mutex
	maxAttempts int
	log         logrus.FieldLogger
	now         func() time.Time
}

// Options tunes a Store.
type Options struct {
	MaxAttempts int
	Logger      logrus.FieldLogger
}

var _ generic.DocStore = (*Store)(nil)

// Open connects to the database and migrates the schema.
// Use driver "sqlite3" with dsn ":memory:" for an in-memory database.
func Open(driver, dsn string, opts Options) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if dialect.Driver == SQLite.Driver && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open database")
	}
	if dialect.Serialize {
		// One connection keeps ":memory:" databases shared and matches SQLite's single writer.
		db.SetMaxOpenConns(1)
	}

	s := New(db, dialect, opts)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool. The schema is not migrated.
func New(db *sql.DB, dialect Dialect, opts Options) *Store {
	s := &Store{
		db:          db,
		dialect:     dialect,
		maxAttempts: opts.MaxAttempts,
		log:         generic.LoggerOr(opts.Logger),
		now:         generic.SystemClock,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlstore: migrate")
		}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, col generic.Collection, id string, dst any) (bool, error) {
	found, _, err := s.get(ctx, s.db, col, id, dst, false)
	return found, err
}

func (s *Store) get(ctx context.Context, q querier, col generic.Collection, id string, dst any, lock bool) (bool, int64, error) {
	query := `SELECT body, version FROM documents WHERE collection = ? AND id = ?`
	if lock {
		query += s.dialect.ForUpdate
	}
	var body string
	var version int64
	err := q.QueryRowContext(ctx, s.dialect.Rebind(query), string(col), id).Scan(&body, &version)
	if err == sql.ErrNoRows {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrapf(err, "sqlstore: get %s/%s", col, id)
	}
	if dst != nil {
		if err := (generic.Document{Data: []byte(body)}).Decode(dst); err != nil {
			return false, 0, errors.Wrapf(err, "sqlstore: decode %s/%s", col, id)
		}
	}
	return true, version, nil
}

func (s *Store) Find(ctx context.Context, col generic.Collection, q generic.Query) ([]generic.Document, error) {
	return s.find(ctx, s.db, col, q)
}

func (s *Store) find(ctx context.Context, q querier, col generic.Collection, query generic.Query) ([]generic.Document, error) {
	rows, err := q.QueryContext(ctx,
		s.dialect.Rebind(`SELECT id, body, version FROM documents WHERE collection = ?`), string(col))
	if err != nil {
		return nil, errors.Wrapf(err, "sqlstore: find %s", col)
	}
	defer rows.Close()

	var docs []generic.Document
	for rows.Next() {
		var d generic.Document
		var body string
		if err := rows.Scan(&d.ID, &body, &d.Version); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan document")
		}
		d.Data = []byte(body)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore: iterate documents")
	}
	return generic.ApplyQuery(docs, query)
}

// =============================================================================
// WRITES
// =============================================================================

// Increment adds delta to a numeric field outside any transaction.
func (s *Store) Increment(ctx context.Context, col generic.Collection, id string, field string, delta decimal.Decimal) (decimal.Decimal, error) {
	var value decimal.Decimal
	err := s.withSQLTx(ctx, func(tx *sql.Tx) error {
		var err error
		value, err = s.increment(ctx, tx, col, id, field, delta, 0, false)
		return err
	})
	return value, err
}

// Commit applies a blind batch atomically. IfVersion preconditions are checked.
func (s *Store) Commit(ctx context.Context, writes []generic.Write) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return s.apply(ctx, tx, writes, nil)
	})
}

func (s *Store) withSQLTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.dialect.Serialize {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return errors.Wrap(generic.ErrConcurrentModification, err.Error())
		}
		return errors.Wrap(err, "sqlstore: commit")
	}
	return nil
}

type docKey struct {
	col generic.Collection
	id  string
}

// apply executes staged writes. reads holds the versions observed by the
// transaction (0 = observed missing); writes to those documents are
// conditional on the version being unchanged.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, writes []generic.Write, reads map[docKey]int64) error {
	touched := make(map[docKey]bool)
	now := s.now().Format(time.RFC3339Nano)

	for _, w := range writes {
		k := docKey{col: w.Collection, id: w.ID}

		expected, checked := int64(0), false
		if w.IfVersion != 0 {
			expected, checked = w.IfVersion, true
		} else if v, ok := reads[k]; ok && !touched[k] {
			expected, checked = v, true
		}

		var err error
		switch w.Kind {
		case generic.WriteSet:
			err = s.set(ctx, tx, k, w.Value, expected, checked, now)
		case generic.WriteCreate:
			err = s.create(ctx, tx, k, w.Value, now)
		case generic.WriteDelete:
			err = s.delete(ctx, tx, k, expected, checked)
		case generic.WriteIncrement:
			_, err = s.increment(ctx, tx, w.Collection, w.ID, w.Field, w.Delta, expected, checked)
		default:
			err = errors.Errorf("sqlstore: unknown write kind %q", w.Kind)
		}
		if err != nil {
			return err
		}
		touched[k] = true
	}
	return nil
}

func conflict(k docKey) error {
	return errors.Wrapf(generic.ErrConcurrentModification, "%s/%s", k.col, k.id)
}

func (s *Store) set(ctx context.Context, tx *sql.Tx, k docKey, value any, expected int64, checked bool, now string) error {
	body, err := generic.EncodeValue(value)
	if err != nil {
		return err
	}

	if checked && expected == 0 {
		// Observed missing: must still be missing.
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`INSERT INTO documents (collection, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)`),
			string(k.col), k.id, string(body), now)
		if isUniqueViolation(err) {
			return conflict(k)
		}
		return errors.Wrap(err, "sqlstore: insert document")
	}

	if checked {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`UPDATE documents SET body = ?, version = version + 1, updated_at = ?
			 WHERE collection = ? AND id = ? AND version = ?`),
			string(body), now, string(k.col), k.id, expected)
		if err != nil {
			return errors.Wrap(err, "sqlstore: update document")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict(k)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO documents (collection, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET
			body = excluded.body,
			version = documents.version + 1,
			updated_at = excluded.updated_at`),
		string(k.col), k.id, string(body), now)
	return errors.Wrap(err, "sqlstore: upsert document")
}

func (s *Store) create(ctx context.Context, tx *sql.Tx, k docKey, value any, now string) error {
	body, err := generic.EncodeValue(value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO documents (collection, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)`),
		string(k.col), k.id, string(body), now)
	if isUniqueViolation(err) {
		return errors.Wrapf(generic.ErrAlreadyExists, "%s/%s", k.col, k.id)
	}
	return errors.Wrap(err, "sqlstore: create document")
}

func (s *Store) delete(ctx context.Context, tx *sql.Tx, k docKey, expected int64, checked bool) error {
	if checked && expected != 0 {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(
			`DELETE FROM documents WHERE collection = ? AND id = ? AND version = ?`),
			string(k.col), k.id, expected)
		if err != nil {
			return errors.Wrap(err, "sqlstore: delete document")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict(k)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM documents WHERE collection = ? AND id = ?`), string(k.col), k.id)
	return errors.Wrap(err, "sqlstore: delete document")
}

func (s *Store) increment(ctx context.Context, tx *sql.Tx, col generic.Collection, id, field string, delta decimal.Decimal, expected int64, checked bool) (decimal.Decimal, error) {
	k := docKey{col: col, id: id}

	var body string
	var version int64
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT body, version FROM documents WHERE collection = ? AND id = ?`+s.dialect.ForUpdate),
		string(col), id).Scan(&body, &version)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return decimal.Zero, errors.Wrap(err, "sqlstore: read for increment")
	}
	if checked && version != expected {
		return decimal.Zero, conflict(k)
	}

	updated, value, err := generic.ApplyIncrement([]byte(body), field, delta)
	if err != nil {
		return decimal.Zero, err
	}
	now := s.now().Format(time.RFC3339Nano)

	if !exists {
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(
			`INSERT INTO documents (collection, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)`),
			string(col), id, string(updated), now)
		if isUniqueViolation(err) {
			return decimal.Zero, conflict(k)
		}
		return value, errors.Wrap(err, "sqlstore: insert for increment")
	}

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE documents SET body = ?, version = version + 1, updated_at = ?
		 WHERE collection = ? AND id = ? AND version = ?`),
		string(updated), now, string(col), id, version)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sqlstore: update for increment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return decimal.Zero, conflict(k)
	}
	return value, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// RunInTransaction executes fn in a database transaction, re-running it when
// a document it read was changed concurrently.
func (s *Store) RunInTransaction(ctx context.Context, fn generic.TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.withSQLTx(ctx, func(sqlTx *sql.Tx) error {
			t := &txStore{tx: sqlTx, parent: s, reads: make(map[docKey]int64)}
			if err := fn(ctx, t); err != nil {
				return err
			}
			return s.apply(ctx, sqlTx, t.Writes, t.reads)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, generic.ErrConcurrentModification) {
			return err
		}
		lastErr = err
		s.log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Debug("sqlstore: transaction conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return &generic.TransientError{Op: "transaction", Attempts: s.maxAttempts, Err: lastErr}
}

type txStore struct {
	generic.Staging
	tx     *sql.Tx
	parent *Store
	reads  map[docKey]int64
}

func (ts *txStore) Get(ctx context.Context, col generic.Collection, id string, dst any) (bool, error) {
	if err := ts.CheckRead(); err != nil {
		return false, err
	}
	found, version, err := ts.parent.get(ctx, ts.tx, col, id, dst, false)
	if err != nil {
		return false, err
	}
	ts.reads[docKey{col: col, id: id}] = version
	return found, nil
}

func (ts *txStore) Find(ctx context.Context, col generic.Collection, q generic.Query) ([]generic.Document, error) {
	if err := ts.CheckRead(); err != nil {
		return nil, err
	}
	docs, err := ts.parent.find(ctx, ts.tx, col, q)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		ts.reads[docKey{col: col, id: d.ID}] = d.Version
	}
	return docs, nil
}
