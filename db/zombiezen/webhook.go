package zombiezen

import (
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/webhook"
)

// Subscribed events are stored as a comma-joined list; event names never
// contain commas.
func encodeEvents(events []string) string {
	return strings.Join(events, ",")
}

func decodeEvents(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func scanWebhookConfig(stmt *sqlite.Stmt) (*webhook.Config, error) {
	created, err := db.TimeParse(stmt.GetText("created_at"))
	if err != nil {
		return nil, err
	}
	updated, err := db.TimeParse(stmt.GetText("updated_at"))
	if err != nil {
		return nil, err
	}
	return &webhook.Config{
		ID:          stmt.GetText("id"),
		UserID:      stmt.GetText("user_id"),
		URL:         stmt.GetText("url"),
		Secret:      stmt.GetText("secret"),
		Events:      decodeEvents(stmt.GetText("events")),
		IsActive:    stmt.GetInt64("is_active") != 0,
		Description: stmt.GetText("description"),
		Created:     created,
		Updated:     updated,
	}, nil
}

const webhookConfigColumns = `id, user_id, url, secret, events, is_active, description, created_at, updated_at`

func (d *Db) InsertWebhookConfig(c *webhook.Config) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO webhook_configs (`+webhookConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			c.ID, c.UserID, c.URL, c.Secret, encodeEvents(c.Events),
			boolInt(c.IsActive), c.Description, db.TimeFormat(c.Created), db.TimeFormat(c.Updated),
		}})
	if err != nil {
		if isUniqueErr(err) {
			return db.ErrConstraintUnique
		}
		return fmt.Errorf("webhook config insert failed: %w", err)
	}
	return nil
}

func (d *Db) UpdateWebhookConfig(c *webhook.Config) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE webhook_configs SET
		url = ?, secret = ?, events = ?, is_active = ?, description = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			c.URL, c.Secret, encodeEvents(c.Events), boolInt(c.IsActive),
			c.Description, db.TimeFormat(c.Updated), c.ID, c.UserID,
		}})
	if err != nil {
		return fmt.Errorf("webhook config update failed: %w", err)
	}
	if conn.Changes() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *Db) DeleteWebhookConfig(id, userID string) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM webhook_configs WHERE id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id, userID}})
	if err != nil {
		return fmt.Errorf("webhook config delete failed: %w", err)
	}
	if conn.Changes() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *Db) listWebhookConfigs(where string, args ...any) ([]*webhook.Config, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var configs []*webhook.Config
	err = sqlitex.Execute(conn,
		`SELECT `+webhookConfigColumns+` FROM webhook_configs WHERE `+where+` ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c, err := scanWebhookConfig(stmt)
				if err != nil {
					return err
				}
				configs = append(configs, c)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("webhook config select failed: %w", err)
	}
	return configs, nil
}

func (d *Db) GetWebhookConfigById(id, userID string) (*webhook.Config, error) {
	configs, err := d.listWebhookConfigs(`id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, db.ErrNotFound
	}
	return configs[0], nil
}

func (d *Db) GetWebhookConfigsByUser(userID string) ([]*webhook.Config, error) {
	return d.listWebhookConfigs(`user_id = ?`, userID)
}

func (d *Db) CountWebhookConfigs(userID string) (int, error) {
	conn, err := d.take()
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM webhook_configs WHERE user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("webhook config count failed: %w", err)
	}
	return count, nil
}

func (d *Db) GetActiveWebhookConfigs(userID, event string) ([]*webhook.Config, error) {
	configs, err := d.listWebhookConfigs(`user_id = ? AND is_active = 1`, userID)
	if err != nil {
		return nil, err
	}
	// Event matching happens here rather than in SQL; the list is at most
	// MaxConfigsPerUser entries.
	matched := configs[:0]
	for _, c := range configs {
		if c.Subscribed(event) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

const webhookDeliveryColumns = `id, config_id, user_id, event, payload, signature, status, url,
	attempts, max_attempts, last_attempt_at, next_retry_at,
	response_code, response_body, response_time_ms, error, created_at, updated_at`

func scanWebhookDelivery(stmt *sqlite.Stmt) (*webhook.Delivery, error) {
	d := &webhook.Delivery{
		ID:             stmt.GetText("id"),
		ConfigID:       stmt.GetText("config_id"),
		UserID:         stmt.GetText("user_id"),
		Event:          stmt.GetText("event"),
		Payload:        []byte(stmt.GetText("payload")),
		Signature:      stmt.GetText("signature"),
		Status:         stmt.GetText("status"),
		URL:            stmt.GetText("url"),
		Attempts:       int(stmt.GetInt64("attempts")),
		MaxAttempts:    int(stmt.GetInt64("max_attempts")),
		ResponseCode:   int(stmt.GetInt64("response_code")),
		ResponseBody:   stmt.GetText("response_body"),
		ResponseTimeMs: stmt.GetInt64("response_time_ms"),
		Error:          stmt.GetText("error"),
	}

	for _, f := range []struct {
		col string
		dst *time.Time
	}{
		{"last_attempt_at", &d.LastAttemptAt},
		{"next_retry_at", &d.NextRetryAt},
		{"created_at", &d.Created},
		{"updated_at", &d.Updated},
	} {
		t, err := db.TimeParse(stmt.GetText(f.col))
		if err != nil {
			return nil, fmt.Errorf("delivery %s: bad %s: %w", d.ID, f.col, err)
		}
		*f.dst = t
	}
	return d, nil
}

func (d *Db) InsertWebhookDelivery(w *webhook.Delivery) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO webhook_deliveries (`+webhookDeliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			w.ID, w.ConfigID, w.UserID, w.Event, string(w.Payload), w.Signature, w.Status, w.URL,
			w.Attempts, w.MaxAttempts, db.TimeFormat(w.LastAttemptAt), db.TimeFormat(w.NextRetryAt),
			w.ResponseCode, w.ResponseBody, w.ResponseTimeMs, w.Error,
			db.TimeFormat(w.Created), db.TimeFormat(w.Updated),
		}})
	if err != nil {
		if isUniqueErr(err) {
			return db.ErrConstraintUnique
		}
		return fmt.Errorf("webhook delivery insert failed: %w", err)
	}
	return nil
}

func (d *Db) UpdateWebhookDelivery(w *webhook.Delivery) error {
	conn, err := d.take()
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE webhook_deliveries SET
		status = ?, attempts = ?, last_attempt_at = ?, next_retry_at = ?,
		response_code = ?, response_body = ?, response_time_ms = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			w.Status, w.Attempts, db.TimeFormat(w.LastAttemptAt), db.TimeFormat(w.NextRetryAt),
			w.ResponseCode, w.ResponseBody, w.ResponseTimeMs, w.Error, db.TimeFormat(w.Updated),
			w.ID,
		}})
	if err != nil {
		return fmt.Errorf("webhook delivery update failed: %w", err)
	}
	if conn.Changes() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (d *Db) GetWebhookDeliveryById(id, userID string) (*webhook.Delivery, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var found *webhook.Delivery
	err = sqlitex.Execute(conn,
		`SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries WHERE id = ? AND user_id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{id, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				w, err := scanWebhookDelivery(stmt)
				if err != nil {
					return err
				}
				found = w
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("webhook delivery select failed: %w", err)
	}
	if found == nil {
		return nil, db.ErrNotFound
	}
	return found, nil
}

func (d *Db) GetDueWebhookDeliveries(now time.Time, limit int) ([]*webhook.Delivery, error) {
	conn, err := d.take()
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var deliveries []*webhook.Delivery
	err = sqlitex.Execute(conn, `SELECT `+webhookDeliveryColumns+` FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying') AND next_retry_at != '' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{db.TimeFormat(now), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				w, err := scanWebhookDelivery(stmt)
				if err != nil {
					return err
				}
				deliveries = append(deliveries, w)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("due delivery select failed: %w", err)
	}
	return deliveries, nil
}

func (d *Db) PurgeWebhookDeliveries(deliveredBefore, failedBefore time.Time, limit int) (int, error) {
	conn, err := d.take()
	if err != nil {
		return 0, err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM webhook_deliveries WHERE id IN (
		SELECT id FROM webhook_deliveries
		WHERE (status = 'delivered' AND created_at < ?) OR (status = 'failed' AND created_at < ?)
		LIMIT ?)`,
		&sqlitex.ExecOptions{Args: []any{
			db.TimeFormat(deliveredBefore), db.TimeFormat(failedBefore), limit,
		}})
	if err != nil {
		return 0, fmt.Errorf("delivery purge failed: %w", err)
	}
	return conn.Changes(), nil
}
