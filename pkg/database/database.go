// Package database persists the relay's audit trail (joins, leaves and
// moderation actions) in SQLite.
package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Event kinds recorded by the audit sink
const (
	KindJoin    = "join"
	KindLeave   = "leave"
	KindWarning = "warning"
	KindMute    = "mute"
	KindKick    = "kick"
	KindSystem  = "system"
)

// DefaultFlushInterval is how often buffered events are committed
const DefaultFlushInterval = 100 * time.Millisecond

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Event is one row of the audit trail
type Event struct {
	ID        int64
	Kind      string
	Name      string
	Peer      string
	Detail    string
	CreatedAt int64 // unix millis
}

// Time returns CreatedAt as a time.Time
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// Filter narrows ListEvents. Zero fields match everything.
type Filter struct {
	Kind  string
	Name  string
	Since time.Time
	Limit int
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // read pool
	writeConn *sql.DB // single writer
	ids       *Snowflake
	log       *zap.Logger

	Events *WriteBuffer
}

// Option configures Open
type Option func(*options)

type options struct {
	log           *zap.Logger
	flushInterval time.Duration
}

// WithLogger sets the logger used for migrations and flush failures
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.log = logger }
}

// WithFlushInterval overrides DefaultFlushInterval
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", strings.TrimPrefix(p, "PRAGMA "), err)
		}
	}
	return conn, nil
}

// Open opens the audit database at path, applies pending migrations and
// starts the write buffer
func Open(path string, opts ...Option) (*DB, error) {
	o := options{log: zap.NewNop(), flushInterval: DefaultFlushInterval}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := openPool(path, 8)
	if err != nil {
		return nil, err
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		ids:       NewSnowflake(snowflakeEpoch, 0),
		log:       o.log.Named("audit"),
	}

	if err := runMigrations(writeConn, path, db.log); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.Events = NewWriteBuffer(db, o.flushInterval)
	return db, nil
}

// Close flushes buffered events and closes both pools
func (db *DB) Close() error {
	db.Events.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// InsertEvent writes one event immediately and returns its ID
func (db *DB) InsertEvent(e Event) (int64, error) {
	if e.ID == 0 {
		e.ID = db.ids.NextID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	_, err := db.writeConn.Exec(
		`INSERT INTO Event (id, kind, name, peer, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Name, e.Peer, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListEvents returns matching events, newest first
func (db *DB) ListEvents(f Filter) ([]*Event, error) {
	where, args := f.where()
	query := "SELECT id, kind, name, peer, detail, created_at FROM Event" + where + " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.Peer, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents counts matching events; Limit is ignored
func (db *DB) CountEvents(f Filter) (int, error) {
	where, args := f.where()

	var n int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM Event"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// PruneEvents deletes events older than cutoff and returns how many went
func (db *DB) PruneEvents(cutoff time.Time) (int64, error) {
	result, err := db.writeConn.Exec("DELETE FROM Event WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return result.RowsAffected()
}
