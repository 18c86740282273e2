// Package state persists session data in sqlite: a key-value store for
// agent state, an append-only event log, and an index of produced
// artifacts.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/event"
)

// migrations are applied in order; schema_version records the highest
// applied entry. Append only, never edit a shipped migration.
var migrations = []string{
	`CREATE TABLE kv_store (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE event_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp  INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		data       TEXT NOT NULL
	);
	CREATE TABLE artifact_index (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		path       TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		bookmarked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
}

// Store is a sqlite-backed session store. Safe for concurrent use; the
// sql driver serializes access to the underlying connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies any pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "open %q: %v", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a store that lives only for this process.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "schema_version: %v", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	for v := current; v < len(migrations); v++ {
		slog.Info("applying migration", "version", v+1)
		tx, err := s.db.Begin()
		if err != nil {
			return apperrors.Wrapf(apperrors.ErrBackend, "migration %d: %v", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return apperrors.Wrapf(apperrors.ErrBackend, "migration %d: %v", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			v+1, time.Now().Unix()); err != nil {
			tx.Rollback()
			return apperrors.Wrapf(apperrors.ErrBackend, "migration %d: %v", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Wrapf(apperrors.ErrBackend, "migration %d: %v", v+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh
// database.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrBackend, "schema version: %v", err)
	}
	return version, nil
}

// Set writes a key, preserving created_at on overwrite.
func (s *Store) Set(ctx context.Context, key, value string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?3)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "set %q: %v", key, err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "key %q", key)
	}
	if err != nil {
		return "", apperrors.Wrapf(apperrors.ErrBackend, "get %q: %v", key, err)
	}
	return value, nil
}

// Delete removes a key. Absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "delete %q: %v", key, err)
	}
	return nil
}

// Keys lists all stored keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_store ORDER BY key`)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "keys: %v", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrBackend, "keys: %v", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "keys: %v", err)
	}
	return keys, nil
}

// AppendEvent records an event in the log.
func (s *Store) AppendEvent(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrFormat, "event: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_log (timestamp, event_type, agent_id, data) VALUES (?, ?, ?, ?)`,
		ev.Timestamp.Unix(), string(ev.Type), ev.AgentID, string(data))
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "append event: %v", err)
	}
	return nil
}

// EventsForAgent returns the agent's events in insertion order.
func (s *Store) EventsForAgent(ctx context.Context, agentID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM event_log WHERE agent_id = ? ORDER BY id ASC`, agentID)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "events for %q: %v", agentID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM event_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "recent events: %v", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrBackend, "scan event: %v", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrFormat, "stored event: %v", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "scan events: %v", err)
	}
	return events, nil
}

// ArtifactRecord is one row of the artifact index. The artifact bytes
// live on disk at Path; only metadata is stored here.
type ArtifactRecord struct {
	ID         uuid.UUID
	AgentID    string
	Kind       string
	Path       string
	SizeBytes  int64
	Bookmarked bool
	CreatedAt  time.Time
}

// PutArtifact inserts or updates an index entry.
func (s *Store) PutArtifact(ctx context.Context, rec ArtifactRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifact_index (id, agent_id, kind, path, size_bytes, bookmarked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, path = excluded.path,
		   size_bytes = excluded.size_bytes, bookmarked = excluded.bookmarked`,
		rec.ID.String(), rec.AgentID, rec.Kind, rec.Path, rec.SizeBytes,
		rec.Bookmarked, rec.CreatedAt.Unix())
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrBackend, "put artifact %s: %v", rec.ID, err)
	}
	return nil
}

// ArtifactsForAgent returns the agent's artifacts, newest first.
func (s *Store) ArtifactsForAgent(ctx context.Context, agentID string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, kind, path, size_bytes, bookmarked, created_at
		 FROM artifact_index WHERE agent_id = ? ORDER BY created_at DESC, id`, agentID)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "artifacts for %q: %v", agentID, err)
	}
	defer rows.Close()

	var records []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var id string
		var createdAt int64
		if err := rows.Scan(&id, &rec.AgentID, &rec.Kind, &rec.Path,
			&rec.SizeBytes, &rec.Bookmarked, &createdAt); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrBackend, "scan artifact: %v", err)
		}
		rec.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrFormat, "artifact id %q: %v", id, err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrBackend, "scan artifacts: %v", err)
	}
	return records, nil
}
