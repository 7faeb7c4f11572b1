// Package engine provides a thin layer on top of sqlx.DB to work with sqlite and postgres the same way.
// Queries are written with "?" placeholders and adopted to the engine dialect, dialect-specific
// queries are kept in QueryMap.
package engine

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver loaded here
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	gid    string // group id, to allow per-group storage in the same database
	dbType Type   // type of the database engine
}

// TableConfig describes a table to initialize with InitTable
type TableConfig struct {
	Name          string
	CreateTable   DBCmd
	CreateIndexes DBCmd
	QueriesMap    QueryMap
}

// New makes a database engine from the connection url. Postgres urls start with postgres:// or postgresql://,
// sqlite is anything with file:, sqlite:// prefix, .db or .sqlite suffix, or ":memory:".
func New(ctx context.Context, connURL, gid string) (*SQL, error) {
	if connURL == "" {
		return nil, fmt.Errorf("connection URL is empty")
	}

	switch {
	case strings.HasPrefix(connURL, "postgres://"), strings.HasPrefix(connURL, "postgresql://"):
		res, err := NewPostgres(ctx, connURL, gid)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return res, nil
	case connURL == ":memory:":
		return NewSqlite(connURL, gid)
	case strings.HasPrefix(connURL, "file://"):
		return NewSqlite(strings.TrimPrefix(connURL, "file://"), gid)
	case strings.HasPrefix(connURL, "file:"):
		return NewSqlite(strings.TrimPrefix(connURL, "file:"), gid)
	case strings.HasPrefix(connURL, "sqlite://"):
		return NewSqlite(strings.TrimPrefix(connURL, "sqlite://"), gid)
	case strings.HasSuffix(connURL, ".sqlite"), strings.HasSuffix(connURL, ".db"):
		return NewSqlite(connURL, gid)
	}
	return nil, fmt.Errorf("unsupported database type in connection string %q", connURL)
}

// NewSqlite creates a new sqlite database
func NewSqlite(file, gid string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return &SQL{}, err
	}
	if err := setSqlitePragma(db); err != nil {
		return &SQL{}, err
	}
	if file == ":memory:" {
		db.SetMaxOpenConns(1) // each connection gets its own in-memory database
	}
	return &SQL{DB: *db, gid: gid, dbType: Sqlite}, nil
}

// NewPostgres creates a new postgres database. Creates the database if it doesn't exist yet.
// Connection is retried a few times, postgres in a fresh container may not accept connections right away.
func NewPostgres(ctx context.Context, connURL, gid string) (*SQL, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres connection url: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return nil, fmt.Errorf("database name not specified in %q", u.Redacted())
	}

	// connect to the default database to create the target one if needed
	adminURL := *u
	adminURL.Path = "/postgres"
	if err := ensurePostgresDB(ctx, adminURL.String(), dbName); err != nil {
		return nil, err
	}

	var db *sqlx.DB
	err = repeater.NewDefault(5, 500*time.Millisecond).Do(ctx, func() error {
		var e error
		db, e = sqlx.ConnectContext(ctx, "postgres", connURL)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dbName, err)
	}
	return &SQL{DB: *db, gid: gid, dbType: Postgres}, nil
}

// GID returns the group id
func (e *SQL) GID() string {
	return e.gid
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// MakeLock creates a new lock for the database engine
func (e *SQL) MakeLock() RWLocker {
	if e.dbType == Sqlite {
		return new(sync.RWMutex) // sqlite need locking
	}
	return &NoopLocker{} // other engines don't need locking
}

// Adopt converts "?" placeholders to the engine dialect
func (e *SQL) Adopt(q string) string {
	if e.dbType != Postgres {
		return q
	}
	return adoptPlaceholders(q)
}

// adoptPlaceholders numbers "?" placeholders postgres way, placeholders inside single-quoted
// literals are left as is
func adoptPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	inLiteral, n := false, 0
	for _, r := range q {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// InitTable creates the table and its indexes if missing, in a single transaction
func InitTable(ctx context.Context, db *SQL, cfg TableConfig) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}

	createTable, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateTable)
	if err != nil {
		return fmt.Errorf("failed to get create table query: %w", err)
	}
	createIndexes, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateIndexes)
	if err != nil {
		return fmt.Errorf("failed to get create indexes query: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err = tx.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create %s table: %w", cfg.Name, err)
	}
	if _, err = tx.ExecContext(ctx, createIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for %s: %w", cfg.Name, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func ensurePostgresDB(ctx context.Context, adminURL, dbName string) error {
	admin, err := sqlx.ConnectContext(ctx, "postgres", adminURL)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer admin.Close()

	var exists bool
	if err = admin.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName); err != nil {
		return fmt.Errorf("failed to check database %s: %w", dbName, err)
	}
	if exists {
		return nil
	}
	// database name can't be a parameter
	if _, err = admin.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(dbName)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	log.Printf("[INFO] created postgres database %s", dbName)
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func setSqlitePragma(db *sqlx.DB) error {
	pragmas := []string{"busy_timeout = 5000", "foreign_keys = ON"}
	for _, p := range pragmas {
		if _, err := db.Exec("PRAGMA " + p); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}
	return nil
}
