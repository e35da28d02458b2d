package sqlstore

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Dialect captures the few SQL differences between the supported databases.
type Dialect struct {
	Driver string

	// ForUpdate is appended to row reads that precede a write in the same tx.
	ForUpdate string

	// Serialize makes the store run one transaction at a time in process.
	// SQLite has a single writer; PostgreSQL relies on row versions instead.
	Serialize bool

	positional bool
}

var (
	SQLite   = Dialect{Driver: "sqlite3", Serialize: true}
	Postgres = Dialect{Driver: "pgx", ForUpdate: " FOR UPDATE", positional: true}
)

// DialectFor maps a driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	}
	return Dialect{}, errors.Errorf("sqlstore: unsupported driver %q", driver)
}

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) Rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation detects primary-key / unique constraint failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isSerializationFailure detects PostgreSQL aborts that are safe to retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}
