// Package sqlite implements storage.Backend on a SQLite database.
package sqlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/cyp0633/caldora/server/storage"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	path    TEXT PRIMARY KEY NOT NULL,
	meta    BLOB NOT NULL,
	content BLOB
) WITHOUT ROWID;
`

// Config holds the parameters for opening a Backend.
type Config struct {
	// Path is the database file. ":memory:" gives a private in-memory
	// database and forces a pool of one connection.
	Path string
	// PoolSize is the number of pooled connections. Zero means
	// max(runtime.NumCPU(), 4).
	PoolSize int
	Logger   *slog.Logger
}

// Backend stores one row per node record. Apply runs in an IMMEDIATE
// transaction, so changes are serialized and atomic.
type Backend struct {
	pool      *sqlitex.Pool
	logger    *slog.Logger
	path      string
	closeOnce sync.Once
	closeErr  error
}

// Open creates the pool and the schema.
func Open(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite backend: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlite backend opened", "path", cfg.Path, "pool_size", poolSize)
	return &Backend{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite backend: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite backend: schema: %w", err)
	}
	return nil
}

// Close closes every pooled connection. Later calls return the first result.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if err := b.pool.Close(); err != nil {
			b.logger.Error("sqlite backend close error", "path", b.path, "error", err)
			b.closeErr = fmt.Errorf("sqlite backend: closing %s: %w", b.path, err)
			return
		}
		b.logger.Info("sqlite backend closed", "path", b.path)
	})
	return b.closeErr
}

func (b *Backend) Get(ctx context.Context, path string) (*storage.Record, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: take: %w", err)
	}
	defer b.pool.Put(conn)

	var found *storage.Record
	err = sqlitex.Execute(conn, `SELECT path, meta, content FROM nodes WHERE path = ?`, &sqlitex.ExecOptions{
		Args: []any{path},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = scanRecord(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: get %s: %w", path, err)
	}
	if found == nil {
		return nil, storage.NotFound(path)
	}
	return found, nil
}

func (b *Backend) List(ctx context.Context) ([]*storage.Record, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: take: %w", err)
	}
	defer b.pool.Put(conn)

	var out []*storage.Record
	err = sqlitex.Execute(conn, `SELECT path, meta, content FROM nodes ORDER BY path`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: list: %w", err)
	}
	return out, nil
}

func (b *Backend) Apply(ctx context.Context, puts []*storage.Record, deletes []string) (err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite backend: take: %w", err)
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite backend: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, path := range deletes {
		if err = sqlitex.Execute(conn, `DELETE FROM nodes WHERE path = ?`, &sqlitex.ExecOptions{
			Args: []any{path},
		}); err != nil {
			return fmt.Errorf("sqlite backend: delete %s: %w", path, err)
		}
	}
	for _, r := range puts {
		if err = sqlitex.Execute(conn,
			`INSERT INTO nodes (path, meta, content) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET meta = excluded.meta, content = excluded.content`,
			&sqlitex.ExecOptions{
				Args: []any{r.Path, r.Meta, blob(r.Content)},
			}); err != nil {
			return fmt.Errorf("sqlite backend: put %s: %w", r.Path, err)
		}
	}
	return nil
}

// blob binds empty content as NULL; a nil []byte would bind as a
// zero-length blob.
func blob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// scanRecord reads path(0), meta(1), content(2). Records without content
// come back with a nil Content.
func scanRecord(stmt *sqlite.Stmt) *storage.Record {
	r := &storage.Record{Path: stmt.ColumnText(0)}
	r.Meta = make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, r.Meta)
	if n := stmt.ColumnLen(2); !stmt.ColumnIsNull(2) && n > 0 {
		r.Content = make([]byte, n)
		stmt.ColumnBytes(2, r.Content)
	}
	return r
}
