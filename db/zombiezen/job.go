package zombiezen

import (
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
)

const jobColumns = `id, user_id, api_key_id, type, request, status, result_url, result_meta, analysis_result,
	error_message, last_failure_reason, retry_count, max_retries, is_retryable, retry_type,
	next_retry_at, locked_by, locked_at, webhook_url, webhook_sent,
	created_at, updated_at, started_at, completed_at, processing_time_ms`

func scanJob(stmt *sqlite.Stmt) (*job.Job, error) {
	req, err := job.DecodeRequest([]byte(stmt.GetText("request")))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", stmt.GetText("id"), err)
	}

	j := &job.Job{
		ID:                stmt.GetText("id"),
		UserID:            stmt.GetText("user_id"),
		ApiKeyID:          stmt.GetText("api_key_id"),
		Type:              stmt.GetText("type"),
		Request:           req,
		Status:            stmt.GetText("status"),
		ResultURL:         stmt.GetText("result_url"),
		AnalysisResult:    stmt.GetText("analysis_result"),
		ErrorMessage:      stmt.GetText("error_message"),
		LastFailureReason: stmt.GetText("last_failure_reason"),
		RetryCount:        int(stmt.GetInt64("retry_count")),
		MaxRetries:        int(stmt.GetInt64("max_retries")),
		IsRetryable:       stmt.GetInt64("is_retryable") != 0,
		RetryType:         stmt.GetText("retry_type"),
		LockedBy:          stmt.GetText("locked_by"),
		WebhookURL:        stmt.GetText("webhook_url"),
		WebhookSent:       stmt.GetInt64("webhook_sent") != 0,
		ProcessingTimeMs:  stmt.GetInt64("processing_time_ms"),
	}

	if meta := stmt.GetText("result_meta"); meta != "" {
		var m job.ResultMetadata
		if err := decodeJSON(meta, &m); err != nil {
			return nil, fmt.Errorf("job %s: malformed result_meta: %w", j.ID, err)
		}
		j.ResultMeta = &m
	}

	for _, f := range []struct {
		col string
		dst *time.Time
	}{
		{"next_retry_at", &j.NextRetryAt},
		{"locked_at", &j.LockedAt},
		{"created_at", &j.CreatedAt},
		{"updated_at", &j.UpdatedAt},
		{"started_at", &j.StartedAt},
		{"completed_at", &j.CompletedAt},
	} {
		t, err := db.TimeParse(stmt.GetText(f.col))
		if err != nil {
			return nil, fmt.Errorf("job %s: bad %s: %w", j.ID, f.col, err)
		}
		*f.dst = t
	}

	return j, nil
}

func jobArgs(j *job.Job) ([]any, error) {
	req, err := job.EncodeRequest(j.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	meta := ""
	if j.ResultMeta != nil {
		meta, err = encodeJSON(j.ResultMeta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result_meta: %w", err)
		}
	}
	return []any{
		j.ID, j.UserID, j.ApiKeyID, j.Type, string(req), j.Status, j.ResultURL, meta, j.AnalysisResult,
		j.ErrorMessage, j.LastFailureReason, j.RetryCount, j.MaxRetries, boolInt(j.IsRetryable), j.RetryType,
		db.TimeFormat(j.NextRetryAt), j.LockedBy, db.TimeFormat(j.LockedAt), j.WebhookURL, boolInt(j.WebhookSent),
		db.TimeFormat(j.CreatedAt), db.TimeFormat(j.UpdatedAt), db.TimeFormat(j.StartedAt),
		db.TimeFormat(j.CompletedAt), j.ProcessingTimeMs,
	}, nil
}

func (d *Db) InsertJob(j *job.Job) error {
	if j.ID == "" || j.UserID == "" {
		return fmt.Errorf("%w: ID, UserID", db.ErrMissingFields)
	}

	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		if isUniqueErr(err) {
			return db.ErrConstraintUnique
		}
		return fmt.Errorf("job insert failed: %w", err)
	}
	return nil
}

func (d *Db) UpdateJob(j *job.Job) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	// Skip id (first arg), append it for the WHERE clause.
	args = append(args[1:], j.ID)

	err = sqlitex.Execute(conn, `UPDATE jobs SET
		user_id = ?, api_key_id = ?, type = ?, request = ?, status = ?, result_url = ?, result_meta = ?, analysis_result = ?,
		error_message = ?, last_failure_reason = ?, retry_count = ?, max_retries = ?, is_retryable = ?, retry_type = ?,
		next_retry_at = ?, locked_by = ?, locked_at = ?, webhook_url = ?, webhook_sent = ?,
		created_at = ?, updated_at = ?, started_at = ?, completed_at = ?, processing_time_ms = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("job update failed: %w", err)
	}
	if conn.Changes() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *Db) getJob(where string, args ...any) (*job.Job, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)
	return getJobConn(conn, where, args...)
}

func getJobConn(conn *sqlite.Conn, where string, args ...any) (*job.Job, error) {
	var found *job.Job
	err := sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM jobs WHERE `+where+` LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				j, err := scanJob(stmt)
				if err != nil {
					return err
				}
				found = j
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("job select failed: %w", err)
	}
	if found == nil {
		return nil, db.ErrNotFound
	}
	return found, nil
}

func (d *Db) GetJobById(id string) (*job.Job, error) {
	return d.getJob(`id = ?`, id)
}

func (d *Db) GetJobByIdAndUser(id, userID string) (*job.Job, error) {
	return d.getJob(`id = ? AND user_id = ?`, id, userID)
}

func (d *Db) listJobs(query string, args ...any) ([]*job.Job, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var jobs []*job.Job
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			j, err := scanJob(stmt)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("job scan failed: %w", err)
	}
	return jobs, nil
}

func (d *Db) GetJobsByUser(userID string, page, limit int, statusFilter string) ([]*job.Job, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	where := `user_id = ?`
	args := []any{userID}
	if statusFilter != "" {
		where += ` AND status = ?`
		args = append(args, statusFilter)
	}

	conn, err := d.take()
	if err != nil {
		return nil, 0, err
	}
	defer d.pool.Put(conn)

	var total int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM jobs WHERE `+where, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("job count failed: %w", err)
	}

	var jobs []*job.Job
	queryArgs := append(args, limit, (page-1)*limit)
	err = sqlitex.Execute(conn,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		&sqlitex.ExecOptions{
			Args: queryArgs,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				j, err := scanJob(stmt)
				if err != nil {
					return err
				}
				jobs = append(jobs, j)
				return nil
			},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("job page failed: %w", err)
	}
	return jobs, total, nil
}

func (d *Db) GetJobsByIds(ids []string, userID string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID)

	return d.listJobs(
		`SELECT `+jobColumns+` FROM jobs WHERE id IN (`+placeholders+`) AND user_id = ? ORDER BY created_at DESC`,
		args...)
}

func (d *Db) GetPendingJobs() ([]*job.Job, error) {
	return d.listJobs(
		`SELECT ` + jobColumns + ` FROM jobs WHERE status = 'queued' ORDER BY updated_at ASC`)
}

// TryLockJob claims the row in a single conditional UPDATE, which SQLite
// serializes, so exactly one claimant wins even when a job was dequeued
// twice.
func (d *Db) TryLockJob(id, workerID string, now time.Time, stuckAfter time.Duration) (*job.Job, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	staleBefore := db.TimeFormat(now.Add(-stuckAfter))
	err = sqlitex.Execute(conn, `UPDATE jobs
		SET locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND (locked_by = '' OR locked_at < ?)`,
		&sqlitex.ExecOptions{Args: []any{
			workerID, db.TimeFormat(now), db.TimeFormat(now), id, staleBefore,
		}})
	if err != nil {
		return nil, fmt.Errorf("job lock failed: %w", err)
	}

	if conn.Changes() == 0 {
		// Distinguish a held lock from a vanished row.
		if _, err := getJobConn(conn, `id = ?`, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return getJobConn(conn, `id = ?`, id)
}

func (d *Db) UnlockJob(id, workerID string) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE jobs SET locked_by = '', locked_at = '' WHERE id = ? AND locked_by = ?`,
		&sqlitex.ExecOptions{Args: []any{id, workerID}})
	if err != nil {
		return fmt.Errorf("job unlock failed: %w", err)
	}
	return nil
}

func (d *Db) GetStuckJobs(now time.Time, stuckAfter time.Duration, limit int) ([]*job.Job, error) {
	// A live worker refreshes updated_at; an extra grace window on the lock
	// keeps us from stealing a row mid-heartbeat.
	updatedBefore := db.TimeFormat(now.Add(-stuckAfter))
	lockBefore := db.TimeFormat(now.Add(-stuckAfter - 5*time.Minute))

	return d.listJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing' AND updated_at < ?
		AND (locked_by = '' OR locked_at < ?)
		ORDER BY updated_at ASC LIMIT ?`,
		updatedBefore, lockBefore, limit)
}

func (d *Db) GetJobsReadyForRetry(now time.Time, limit int) ([]*job.Job, error) {
	return d.listJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'queued' AND is_retryable = 1 AND locked_by = ''
		AND next_retry_at != '' AND next_retry_at <= ?
		ORDER BY updated_at ASC LIMIT ?`,
		db.TimeFormat(now), limit)
}

func (d *Db) GetFailedRetryableJobs(limit int) ([]*job.Job, error) {
	return d.listJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'failed' AND is_retryable = 1 AND retry_count < max_retries AND locked_by = ''
		ORDER BY updated_at ASC LIMIT ?`,
		limit)
}

func (d *Db) CountJobsByStatus() (map[string]int, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	counts := make(map[string]int)
	err = sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM jobs GROUP BY status`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("status counts failed: %w", err)
	}
	return counts, nil
}

func (d *Db) CountJobsByFormat() (map[string]int, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	counts := make(map[string]int)
	err = sqlitex.Execute(conn,
		`SELECT json_extract(request, '$.format'), COUNT(*) FROM jobs GROUP BY 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("format counts failed: %w", err)
	}
	return counts, nil
}

func (d *Db) JobSuccessRate() (float64, error) {
	conn, err := d.take()
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	var completed, terminal int64
	err = sqlitex.Execute(conn, `SELECT
		SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status IN ('completed', 'failed') THEN 1 ELSE 0 END)
		FROM jobs`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				completed = stmt.ColumnInt64(0)
				terminal = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("success rate failed: %w", err)
	}
	if terminal == 0 {
		return 0, nil
	}
	return float64(completed) / float64(terminal), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
