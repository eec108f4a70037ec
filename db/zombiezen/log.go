package zombiezen

import (
	"fmt"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shotmill/shotmill/db"
)

// InsertLogBatch writes a batch of log records in one transaction.
func (d *Db) InsertLogBatch(entries []db.LogEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	for _, e := range entries {
		err = sqlitex.Execute(conn,
			`INSERT INTO logs (time, level, message, attrs) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				db.TimeFormat(e.Time), e.Level, e.Message, string(e.Attrs),
			}})
		if err != nil {
			return fmt.Errorf("log batch insert failed: %w", err)
		}
	}
	return nil
}
