package zombiezen

import (
	"fmt"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shotmill/shotmill/db"
)

// Provisioning helpers used at bootstrap and in tests. Account management
// proper lives outside this service.

func (d *Db) InsertUser(u *db.User) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO users (id, email, name, plan_id, credits, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			u.ID, u.Email, u.Name, u.PlanID, u.Credits,
			db.TimeFormat(u.Created), db.TimeFormat(u.Updated),
		}})
	if err != nil {
		if isUniqueErr(err) {
			return db.ErrConstraintUnique
		}
		return fmt.Errorf("user insert failed: %w", err)
	}
	return nil
}

func (d *Db) InsertPlan(p *db.Plan) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO plans (id, name, hourly_limit, minute_limit, concurrency, monthly_credits)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			p.ID, p.Name, p.HourlyLimit, p.MinuteLimit, p.Concurrency, p.MonthlyCredits,
		}})
	if err != nil {
		return fmt.Errorf("plan insert failed: %w", err)
	}
	return nil
}

func (d *Db) InsertApiKey(k *db.ApiKey) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO api_keys (id, user_id, prefix, hash, active, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			k.ID, k.UserID, k.Prefix, k.Hash, boolInt(k.Active),
			db.TimeFormat(k.Created), db.TimeFormat(k.LastUsed),
		}})
	if err != nil {
		if isUniqueErr(err) {
			return db.ErrConstraintUnique
		}
		return fmt.Errorf("api key insert failed: %w", err)
	}
	return nil
}
