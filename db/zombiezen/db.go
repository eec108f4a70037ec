package zombiezen

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shotmill/shotmill/db"
)

// Db implements db.Db on zombiezen SQLite with a WAL connection pool.
type Db struct {
	pool *sqlitex.Pool
	path string
}

// Verify interface implementation (non-allocating check)
var _ db.Db = (*Db)(nil)

// New opens (creating if necessary) the database at path and bootstraps the
// schema.
func New(path string) (*Db, error) {
	p, err := sqlitex.NewPool(fmt.Sprintf("file:%s", path), sqlitex.PoolOptions{
		Flags:    0, // defaults include WAL
		PoolSize: runtime.NumCPU(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	d := &Db{pool: p, path: path}
	if err := d.migrate(); err != nil {
		p.Close()
		return nil, err
	}
	return d, nil
}

// NewFromPool wraps an existing pool. The caller keeps ownership of the
// pool's lifetime when using this constructor for tests.
func NewFromPool(pool *sqlitex.Pool) (*Db, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	d := &Db{pool: pool}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Db) Close() error {
	return d.pool.Close()
}

// Path returns the database file location.
func (d *Db) Path() string { return d.path }

// take borrows a connection for one operation.
func (d *Db) take() (*sqlite.Conn, error) {
	conn, err := d.pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (d *Db) migrate() error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// isUniqueErr reports whether err is a unique-constraint violation.
func isUniqueErr(err error) bool {
	return sqlite.ErrCode(err) == sqlite.ResultConstraintUnique ||
		sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey
}
