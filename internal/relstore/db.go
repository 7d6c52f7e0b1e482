// Package relstore is the relational persistence layer for the durable
// entities of spec §3 (Account, Channel, PlaylistItem, WorkerRecord,
// SchedulerTrigger), backed by the pure-Go modernc.org/sqlite driver, the
// same choice and PRAGMA set as the teacher's internal/persistence/sqlite.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting every repo
// method run either standalone or inside DB.WithTx's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the relational store connection pool.
type DB struct {
	sqlDB *sql.DB
}

// Open initializes a SQLite connection pool with the mandatory PRAGMAs and
// runs the schema migration.
func Open(dsn string) (*DB, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	full := fmt.Sprintf("%s%s%s", dsn, sep, pragmas)
	sqlDB, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("relstore: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("relstore: ping: %w", err)
	}

	db := &DB{sqlDB: sqlDB}
	if err := db.migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (d *DB) Close() error { return d.sqlDB.Close() }

// WithTx runs fn inside a single relational-store transaction, committing on
// success and rolling back on error or panic. Used for the guarantees spec
// §4.4/§4.8 require: the Account state read and the WorkerRecord
// desired_state write must be atomic with respect to each other.
func (d *DB) WithTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relstore: begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *DB) Accounts() *AccountRepo           { return &AccountRepo{q: d.sqlDB} }
func (d *DB) Channels() *ChannelRepo           { return &ChannelRepo{q: d.sqlDB} }
func (d *DB) PlaylistItems() *PlaylistRepo     { return &PlaylistRepo{q: d.sqlDB} }
func (d *DB) Workers() *WorkerRepo             { return &WorkerRepo{q: d.sqlDB} }
func (d *DB) Triggers() *TriggerRepo           { return &TriggerRepo{q: d.sqlDB} }
func (d *DB) AuditEvents() *AuditRepo          { return &AuditRepo{q: d.sqlDB} }

// AccountsTx/ChannelsTx/WorkersTx bind a repo to an in-flight transaction
// obtained from WithTx's querier.
func AccountsTx(q querier) *AccountRepo { return &AccountRepo{q: q} }
func ChannelsTx(q querier) *ChannelRepo { return &ChannelRepo{q: q} }
func WorkersTx(q querier) *WorkerRepo   { return &WorkerRepo{q: q} }
func AuditTx(q querier) *AuditRepo      { return &AuditRepo{q: q} }

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	owner_principal TEXT NOT NULL,
	label TEXT NOT NULL,
	session_material TEXT NOT NULL,
	state TEXT NOT NULL,
	last_validated_at DATETIME
);

CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	target_chat_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	stream_kind TEXT NOT NULL,
	encoder_params TEXT NOT NULL DEFAULT '',
	placeholder_media TEXT NOT NULL DEFAULT '',
	desired_state TEXT NOT NULL DEFAULT 'stopped',
	observed_state TEXT NOT NULL DEFAULT 'stopped',
	auto_end_timeout_seconds INTEGER NOT NULL DEFAULT 300,
	accepted_codec_profiles TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS playlist_items (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	source_kind TEXT NOT NULL,
	source_value TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	thumbnail TEXT NOT NULL DEFAULT '',
	codec_profile TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued',
	requester_id TEXT NOT NULL DEFAULT '',
	requester_role TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playlist_items_channel ON playlist_items(channel_id);

CREATE TABLE IF NOT EXISTS worker_records (
	channel_id TEXT PRIMARY KEY REFERENCES channels(id),
	handle TEXT NOT NULL DEFAULT '',
	started_at DATETIME,
	lifecycle TEXT NOT NULL DEFAULT 'stopped',
	last_error TEXT NOT NULL DEFAULT '',
	restart_attempts INTEGER NOT NULL DEFAULT 0,
	next_restart_at DATETIME
);

CREATE TABLE IF NOT EXISTS scheduler_triggers (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id),
	playlist_ref TEXT NOT NULL,
	cron_expression TEXT NOT NULL DEFAULT '',
	wall_time DATETIME,
	recurrence TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	occurred_at DATETIME NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	actor_role TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events(occurred_at);
`

func (d *DB) migrate(ctx context.Context) error {
	_, err := d.sqlDB.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("relstore: migrate: %w", err)
	}
	return nil
}
