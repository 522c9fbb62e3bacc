// Package repository persists security events to sqlite or postgres.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/repository/migrations"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// EventFilter narrows ListSecurityEvents. Zero values match everything.
type EventFilter struct {
	Type  string
	IP    string
	Since time.Time
	Limit int
}

// EventStore is the persistence boundary used by the sink and the REST API.
type EventStore interface {
	SaveSecurityEvents(ctx context.Context, events []monitor.Event) error
	ListSecurityEvents(ctx context.Context, f EventFilter) ([]monitor.Event, error)
}

// Repository is an sqlx-backed EventStore.
type Repository struct {
	db     *sqlx.DB
	driver string
}

type eventRow struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	Severity    string         `db:"severity"`
	Message     string         `db:"message"`
	Metadata    sql.NullString `db:"metadata"`
	UserID      sql.NullString `db:"user_id"`
	IPAddress   sql.NullString `db:"ip_address"`
	CreatedAtMs int64          `db:"created_at_ms"`
}

// Open connects to the database and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*Repository, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one connection keeps :memory: databases shared and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	r := &Repository{db: db, driver: driver}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := r.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
	}
	return nil
}

// Driver reports the database driver in use.
func (r *Repository) Driver() string { return r.driver }

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveSecurityEvents inserts events in one transaction. Events already stored are skipped.
func (r *Repository) SaveSecurityEvents(ctx context.Context, events []monitor.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO security_events (id, type, severity, message, metadata, user_id, ip_address, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		row, err := toRow(ev)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row.ID, row.Type, row.Severity, row.Message,
			row.Metadata, row.UserID, row.IPAddress, row.CreatedAtMs); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListSecurityEvents returns stored events matching f, newest first.
func (r *Repository) ListSecurityEvents(ctx context.Context, f EventFilter) ([]monitor.Event, error) {
	query := `SELECT id, type, severity, message, metadata, user_id, ip_address, created_at_ms
		FROM security_events WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.IP != "" {
		query += " AND ip_address = ?"
		args = append(args, f.IP)
	}
	if !f.Since.IsZero() {
		query += " AND created_at_ms >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	query += " ORDER BY created_at_ms DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	out := make([]monitor.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

func toRow(ev monitor.Event) (eventRow, error) {
	row := eventRow{
		ID:          ev.ID,
		Type:        ev.Type,
		Severity:    string(ev.Severity),
		Message:     ev.Message,
		UserID:      nullable(ev.UserID),
		IPAddress:   nullable(ev.IPAddress),
		CreatedAtMs: ev.Timestamp.UnixMilli(),
	}
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return eventRow{}, fmt.Errorf("marshal metadata for %s: %w", ev.ID, err)
		}
		row.Metadata = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

func (row eventRow) event() (monitor.Event, error) {
	ev := monitor.Event{
		ID:        row.ID,
		Type:      row.Type,
		Severity:  monitor.Severity(row.Severity),
		Message:   row.Message,
		UserID:    row.UserID.String,
		IPAddress: row.IPAddress.String,
		Timestamp: time.UnixMilli(row.CreatedAtMs).UTC(),
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		if err := json.Unmarshal([]byte(row.Metadata.String), &ev.Metadata); err != nil {
			return monitor.Event{}, fmt.Errorf("decode metadata for %s: %w", row.ID, err)
		}
	}
	return ev, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
