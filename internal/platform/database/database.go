package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"notifications/internal/platform/config"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

type DB struct {
	*sql.DB
	Dialect Dialect
}

// New wraps an already opened handle. Used by tests with sqlmock.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

func Open(cfg config.DatabaseConfig) (*DB, error) {
	var (
		dialect Dialect
		dsn     string
	)

	switch cfg.Driver {
	case "", string(SQLite), "sqlite":
		dialect = SQLite
		if err := ensureSQLiteDir(cfg.URL); err != nil {
			return nil, err
		}
		dsn = sqliteDSN(cfg.URL, cfg.BusyTimeout)
	case string(Postgres), "postgresql":
		dialect = Postgres
		dsn = cfg.URL
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return New(db, dialect), nil
}

func ensureSQLiteDir(url string) error {
	p := strings.TrimPrefix(url, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(p), 0755)
}

// sqliteDSN opens every transaction with BEGIN IMMEDIATE so the write lock is
// taken up front rather than on first write. Transactions must stay short:
// while one is open every other writer waits up to busyTimeout.
func sqliteDSN(url string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d&_txlock=immediate", url, sep, busyTimeout.Milliseconds())
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
func (d *DB) Rebind(query string) string {
	return Rebind(d.Dialect, query)
}

func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RowLocks reports whether the dialect can lock single rows inside a
// transaction. SQLite only has the database wide write lock.
func (d *DB) RowLocks() bool {
	return d.Dialect == Postgres
}

// IsBusy reports whether err is SQLite refusing a lock held elsewhere.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsUniqueViolation reports whether err is a primary key or unique constraint
// violation in either dialect.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Savepoint runs fn inside a named savepoint of tx. When fn fails only the work
// done since the savepoint is undone; the transaction stays usable.
func Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}
