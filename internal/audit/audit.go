// Package audit is the append-only record of what the orchestrator did:
// job lifecycle transitions, agent connect/disconnect, assignment
// decisions, and errors. It is written but never read back to
// reconstruct orchestrator state — the orchestrator's live state is
// entirely in-memory by design, and restarting it starts with an empty
// registry and job store. SQLite (modernc's pure-Go driver, no CGO) and
// golang-migrate with embedded migrations provide the storage and
// schema management; writes go through a buffered channel and a single
// writer goroutine so a slow disk never blocks a hot path.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const queueSize = 4096

// Event is one row of the audit trail.
type Event struct {
	Type    string
	JobID   string
	AgentID string
	Actor   string
	Detail  map[string]any
}

// Log is the append-only writer. Create with Open.
type Log struct {
	log   zerolog.Logger
	db    *sql.DB
	queue chan Event
	done  chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path,
// applies pending migrations, and starts the single writer goroutine.
// Call Close to drain the queue and release the database handle.
func Open(ctx context.Context, log zerolog.Logger, path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	// SQLite allows only one writer at a time; the single writer
	// goroutine already serializes our own writes, but capping the pool
	// keeps any stray concurrent read from forcing a second connection
	// that could contend for the file lock.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Log{
		log:   log.With().Str("component", "audit").Logger(),
		db:    db,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

func runMigrations(db *sql.DB, log zerolog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: creating migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("audit: creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("audit: creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("audit: applying migrations: %w", err)
	}
	log.Info().Msg("audit database migrations applied")
	return nil
}

// Record enqueues an event for durable write. Non-blocking: if the
// writer has fallen behind and the queue is full, the event is dropped
// and logged rather than stalling the caller — the audit trail is
// best-effort observability, not a path any orchestration decision
// depends on.
func (l *Log) Record(e Event) {
	select {
	case l.queue <- e:
	default:
		l.log.Warn().Str("type", e.Type).Msg("audit queue full, dropping event")
	}
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for e := range l.queue {
		l.write(e)
	}
}

func (l *Log) write(e Event) {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to marshal audit detail")
		return
	}

	_, err = l.db.Exec(
		`INSERT INTO audit_events (ts, event_type, job_id, agent_id, actor, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), e.Type, e.JobID, e.AgentID, e.Actor, string(data),
	)
	if err != nil {
		l.log.Error().Err(err).Str("type", e.Type).Msg("failed to write audit event")
	}
}

// Close stops accepting new events, drains the queue, and closes the
// database handle.
func (l *Log) Close() error {
	close(l.queue)
	<-l.done
	return l.db.Close()
}
