package zombiezen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shotmill/shotmill/db"
)

func (d *Db) GetUserById(id string) (*db.User, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var user *db.User
	err = sqlitex.Execute(conn,
		`SELECT id, email, name, plan_id, credits, created_at, updated_at FROM users WHERE id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				created, err := db.TimeParse(stmt.GetText("created_at"))
				if err != nil {
					return err
				}
				updated, err := db.TimeParse(stmt.GetText("updated_at"))
				if err != nil {
					return err
				}
				user = &db.User{
					ID:      stmt.GetText("id"),
					Email:   stmt.GetText("email"),
					Name:    stmt.GetText("name"),
					PlanID:  stmt.GetText("plan_id"),
					Credits: int(stmt.GetInt64("credits")),
					Created: created,
					Updated: updated,
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("user select failed: %w", err)
	}
	if user == nil {
		return nil, db.ErrNotFound
	}
	return user, nil
}

func (d *Db) GetPlan(id string) (*db.Plan, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var plan *db.Plan
	err = sqlitex.Execute(conn,
		`SELECT id, name, hourly_limit, minute_limit, concurrency, monthly_credits FROM plans WHERE id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				plan = &db.Plan{
					ID:             stmt.GetText("id"),
					Name:           stmt.GetText("name"),
					HourlyLimit:    int(stmt.GetInt64("hourly_limit")),
					MinuteLimit:    int(stmt.GetInt64("minute_limit")),
					Concurrency:    int(stmt.GetInt64("concurrency")),
					MonthlyCredits: int(stmt.GetInt64("monthly_credits")),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("plan select failed: %w", err)
	}
	if plan == nil {
		return nil, db.ErrNotFound
	}
	return plan, nil
}

// DeductCredits performs the conditional decrement and the ledger insert in
// one transaction. The `credits >= ?` guard is what keeps concurrent
// admissions from oversubscribing a balance.
func (d *Db) DeductCredits(userID string, n int, reason, jobID string) (balance int, err error) {
	if n <= 0 {
		return 0, fmt.Errorf("deduction must be positive, got %d", n)
	}

	conn, err := d.take()
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	now := db.TimeFormat(time.Now())
	err = sqlitex.Execute(conn,
		`UPDATE users SET credits = credits - ?, updated_at = ? WHERE id = ? AND credits >= ?`,
		&sqlitex.ExecOptions{Args: []any{n, now, userID, n}})
	if err != nil {
		return 0, fmt.Errorf("credit deduction failed: %w", err)
	}
	if conn.Changes() == 0 {
		// Missing user surfaces as not-found; a present user means the
		// balance was short.
		if _, gerr := userCredits(conn, userID); gerr != nil {
			return 0, gerr
		}
		return 0, db.ErrInsufficientCredits
	}

	if err = insertLedgerEntry(conn, userID, jobID, -n, reason, now); err != nil {
		return 0, err
	}
	return userCredits(conn, userID)
}

// RefundCredits adds n back with its ledger entry, atomically.
func (d *Db) RefundCredits(userID string, n int, reason, jobID string) (balance int, err error) {
	if n <= 0 {
		return 0, fmt.Errorf("refund must be positive, got %d", n)
	}

	conn, err := d.take()
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	now := db.TimeFormat(time.Now())
	err = sqlitex.Execute(conn,
		`UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{n, now, userID}})
	if err != nil {
		return 0, fmt.Errorf("credit refund failed: %w", err)
	}
	if conn.Changes() == 0 {
		return 0, db.ErrNotFound
	}

	if err = insertLedgerEntry(conn, userID, jobID, n, reason, now); err != nil {
		return 0, err
	}
	return userCredits(conn, userID)
}

func insertLedgerEntry(conn *sqlite.Conn, userID, jobID string, delta int, reason, now string) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO credit_ledger (id, user_id, job_id, delta, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{"cl_" + uuid.NewString(), userID, jobID, delta, reason, now}})
	if err != nil {
		return fmt.Errorf("ledger entry insert failed: %w", err)
	}
	return nil
}

func userCredits(conn *sqlite.Conn, userID string) (int, error) {
	credits := -1
	err := sqlitex.Execute(conn, `SELECT credits FROM users WHERE id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				credits = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("credit select failed: %w", err)
	}
	if credits < 0 {
		return 0, db.ErrNotFound
	}
	return credits, nil
}

func (d *Db) GetCreditEntries(userID string, limit int) ([]*db.CreditEntry, error) {
	if limit < 1 {
		limit = 50
	}

	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var entries []*db.CreditEntry
	err = sqlitex.Execute(conn,
		`SELECT id, user_id, job_id, delta, reason, created_at
		FROM credit_ledger WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				created, err := db.TimeParse(stmt.GetText("created_at"))
				if err != nil {
					return err
				}
				entries = append(entries, &db.CreditEntry{
					ID:      stmt.GetText("id"),
					UserID:  stmt.GetText("user_id"),
					JobID:   stmt.GetText("job_id"),
					Delta:   int(stmt.GetInt64("delta")),
					Reason:  stmt.GetText("reason"),
					Created: created,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger select failed: %w", err)
	}
	return entries, nil
}

func (d *Db) GetApiKeysByPrefix(prefix string) ([]*db.ApiKey, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var keys []*db.ApiKey
	err = sqlitex.Execute(conn,
		`SELECT id, user_id, prefix, hash, active, created_at, last_used_at
		FROM api_keys WHERE prefix = ? AND active = 1`,
		&sqlitex.ExecOptions{
			Args: []any{prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				created, err := db.TimeParse(stmt.GetText("created_at"))
				if err != nil {
					return err
				}
				lastUsed, err := db.TimeParse(stmt.GetText("last_used_at"))
				if err != nil {
					return err
				}
				keys = append(keys, &db.ApiKey{
					ID:       stmt.GetText("id"),
					UserID:   stmt.GetText("user_id"),
					Prefix:   stmt.GetText("prefix"),
					Hash:     stmt.GetText("hash"),
					Active:   stmt.GetInt64("active") != 0,
					Created:  created,
					LastUsed: lastUsed,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("api key select failed: %w", err)
	}
	return keys, nil
}

func (d *Db) TouchApiKey(id string, now time.Time) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{db.TimeFormat(now), id}})
	if err != nil {
		return fmt.Errorf("api key touch failed: %w", err)
	}
	return nil
}
