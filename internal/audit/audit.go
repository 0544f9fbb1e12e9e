// Package audit persists a durable log of authentication attempts and
// client connect/disconnect/fence-throttle events in an embedded sqlite
// database, with schema migrations applied at open.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

//go:embed all:migrations/sqlite
var migrationsFS embed.FS

// Kind categorizes one audit event.
type Kind string

const (
	KindConnect       Kind = "connect"
	KindDisconnect    Kind = "disconnect"
	KindAuthSuccess   Kind = "auth_success"
	KindAuthFailure   Kind = "auth_failure"
	KindFenceThrottle Kind = "fence_throttle"
)

// Event is one row of the audit_events table.
type Event struct {
	bun.BaseModel `bun:"table:audit_events"`

	ID           int64     `bun:"id,pk,autoincrement"`
	OccurredAt   time.Time `bun:"occurred_at,notnull"`
	Kind         Kind      `bun:"kind,notnull"`
	RemoteAddr   string    `bun:"remote_addr,notnull"`
	SessionID    string    `bun:"session_id"`
	SecurityType string    `bun:"security_type"`
	Detail       string    `bun:"detail"`
}

// Log wraps a bun-over-sqlite connection dedicated to the audit trail.
type Log struct {
	db *bun.DB
}

// Open creates (or migrates) the sqlite-backed audit log at path.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: set busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: enable WAL: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	bunDB := bun.NewDB(conn, sqlitedialect.New())
	return &Log{db: bunDB}, nil
}

func runMigrations(conn *sql.DB) error {
	sub, err := iofsSub()
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sub, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("new migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func iofsSub() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations/sqlite")
}

// Close releases the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record inserts one audit event, stamping OccurredAt with the current
// time if the caller left it zero.
func (l *Log) Record(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := l.db.NewInsert().Model(&ev).Exec(ctx)
	return err
}

// Recent returns the most recent n events, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Event, error) {
	var events []Event
	err := l.db.NewSelect().Model(&events).OrderExpr("occurred_at DESC").Limit(n).Scan(ctx)
	return events, err
}

// ForSession returns every recorded event for a given session ID, in
// chronological order, useful when investigating one client's lifetime.
func (l *Log) ForSession(ctx context.Context, sessionID string) ([]Event, error) {
	var events []Event
	err := l.db.NewSelect().Model(&events).Where("session_id = ?", sessionID).OrderExpr("occurred_at ASC").Scan(ctx)
	return events, err
}
