// Package auditdb persists the controller's high-volume audit trails in
// SQLite: every workspace command and every inbound webhook delivery.
// Both tables are capped FIFO; the JSON state files stay reserved for
// low-volume subsystem state.
package auditdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/droverhq/drover/internal/workspace"
)

// Default retention caps. Oldest rows are evicted first.
const (
	DefaultCommandCap  = 5000
	DefaultDeliveryCap = 1000
)

// DB wraps the SQLite connection with audit-specific operations.
type DB struct {
	conn        *sql.DB
	commandCap  int
	deliveryCap int
}

// Open creates or opens the audit database at the given path. It
// enables WAL mode and runs migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, commandCap: DefaultCommandCap, deliveryCap: DefaultDeliveryCap}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SetCaps overrides the retention caps. Zero keeps the current value.
func (db *DB) SetCaps(commands, deliveries int) {
	if commands > 0 {
		db.commandCap = commands
	}
	if deliveries > 0 {
		db.deliveryCap = deliveries
	}
}

// migrate creates or updates the audit schema.
func (db *DB) migrate() error {
	schema := `
-- Command audit: every workspace command the controller ran
CREATE TABLE IF NOT EXISTS command_audit (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL,
    argv        TEXT NOT NULL,
    exit_code   INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    at          DATETIME NOT NULL
);

-- Webhook deliveries: every inbound git-host event and its outcome
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    delivery_id TEXT NOT NULL,
    event       TEXT NOT NULL,
    action      TEXT,
    task_id     TEXT,
    summary     TEXT NOT NULL,
    at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_command_audit_task ON command_audit(task_id);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_event ON webhook_deliveries(event);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordCommand appends one workspace command to the audit trail,
// evicting the oldest rows beyond the cap. Satisfies
// workspace.CommandAuditor.
func (db *DB) RecordCommand(ctx context.Context, rec workspace.CommandRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO command_audit (task_id, argv, exit_code, duration_ms, at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.TaskID, strings.Join(rec.Argv, " "), rec.ExitCode, rec.DurationMS, at)
	if err != nil {
		return fmt.Errorf("failed to insert command record: %w", err)
	}

	return db.trim(ctx, "command_audit", db.commandCap)
}

// CommandEntry is one row of the command audit trail.
type CommandEntry struct {
	TaskID     string    `json:"taskId"`
	Argv       string    `json:"argv"`
	ExitCode   int       `json:"exitCode"`
	DurationMS int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// RecentCommands returns up to limit command entries, newest first.
func (db *DB) RecentCommands(ctx context.Context, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT task_id, argv, exit_code, duration_ms, at
		FROM command_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command audit: %w", err)
	}
	defer rows.Close()

	var out []CommandEntry
	for rows.Next() {
		var e CommandEntry
		if err := rows.Scan(&e.TaskID, &e.Argv, &e.ExitCode, &e.DurationMS, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CommandCount returns the number of retained command entries.
func (db *DB) CommandCount(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_audit`).Scan(&n)
	return n, err
}

// Delivery is one inbound webhook event and how it was routed.
type Delivery struct {
	DeliveryID string    `json:"deliveryId"`
	Event      string    `json:"event"`
	Action     string    `json:"action,omitempty"`
	TaskID     string    `json:"taskId,omitempty"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}

// RecordDelivery appends one webhook delivery, evicting the oldest
// rows beyond the cap.
func (db *DB) RecordDelivery(ctx context.Context, d Delivery) error {
	at := d.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, event, action, task_id, summary, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeliveryID, d.Event, d.Action, d.TaskID, d.Summary, at)
	if err != nil {
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}

	return db.trim(ctx, "webhook_deliveries", db.deliveryCap)
}

// RecentDeliveries returns up to limit deliveries, newest first.
func (db *DB) RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT delivery_id, event, action, task_id, summary, at
		FROM webhook_deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var action, taskID sql.NullString
		if err := rows.Scan(&d.DeliveryID, &d.Event, &action, &taskID, &d.Summary, &d.At); err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		d.Action = action.String
		d.TaskID = taskID.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeliveryCount returns the number of retained deliveries.
func (db *DB) DeliveryCount(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_deliveries`).Scan(&n)
	return n, err
}

// trim deletes the oldest rows of table until at most cap remain.
func (db *DB) trim(ctx context.Context, table string, cap int) error {
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id <= (
			SELECT id FROM %s ORDER BY id DESC LIMIT 1 OFFSET ?
		)`, table, table), cap)
	if err != nil {
		return fmt.Errorf("failed to trim %s: %w", table, err)
	}
	return nil
}
