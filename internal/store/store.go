// Package store owns the SQLite connection: registered SQL functions,
// pragmas, the JSON capability probe, and collection storage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/mongreldb/mongrel/internal/sqlgen"
)

const driverName = "sqlite3_mongrel"

var registerDriver sync.Once

// Store is one database holding document collections. SQLite supports a
// single writer, so the pool is pinned to one connection; callers
// serialize access themselves.
type Store struct {
	db      *sql.DB
	dialect sqlgen.Dialect

	mu         sync.Mutex
	sqlDisable bool
}

// SetSQLDisabled toggles the connection-wide kill switch; while set,
// every query and pipeline runs through the interpreter.
func (s *Store) SetSQLDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sqlDisable = disabled
}

// SQLDisabled reports the kill switch state.
func (s *Store) SQLDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sqlDisable
}

// Open creates or opens a database at path (":memory:" for ephemeral).
// The connection gets WAL mode, a busy timeout, the registered regexp and
// math functions, and a one-time JSON capability probe whose result fixes
// the SQL dialect for the connection's lifetime.
func Open(path string) (*Store, error) {
	registerDriver.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: registerFuncs,
		})
	})

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// One writer at a time; a second connection would also lose the
	// temp tables the flattening tier creates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, dialect: probeDialect(db)}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection for query execution.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the JSON function family chosen by the probe.
func (s *Store) Dialect() sqlgen.Dialect {
	return s.dialect
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// probeDialect checks once whether the engine provides the binary JSON
// function family.
func probeDialect(db *sql.DB) sqlgen.Dialect {
	var out string
	if err := db.QueryRow("SELECT json(jsonb('{}'))").Scan(&out); err == nil {
		return sqlgen.JSONB
	}
	return sqlgen.JSON
}

// ProbeCapability reports whether a named engine capability is present.
func (s *Store) ProbeCapability(ctx context.Context, name string) bool {
	switch name {
	case "jsonb":
		return s.dialect.Binary()
	case "regexp":
		var n int
		return s.db.QueryRowContext(ctx, "SELECT 'a' REGEXP 'a'").Scan(&n) == nil
	default:
		return false
	}
}

// registerFuncs installs the SQL functions generated queries rely on.
// The math set mirrors what the interpreter computes so the tiers agree;
// negative-domain guards live in the generated SQL, not here.
func registerFuncs(conn *sqlite3.SQLiteConn) error {
	funcs := map[string]any{
		"regexp": regexpFunc,
		"pow":    math.Pow,
		"sqrt":   math.Sqrt,
		"ceil":   math.Ceil,
		"floor":  math.Floor,
		"trunc":  math.Trunc,
		"exp":    math.Exp,
		"ln":     math.Log,
		"log10":  math.Log10,
		"log2":   math.Log2,
	}
	for name, fn := range funcs {
		if err := conn.RegisterFunc(name, fn, true); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func regexpFunc(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
