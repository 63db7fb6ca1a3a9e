// ABOUTME: SQLite implementation of shard checkpoints and the dispatch log using modernc.org/sqlite
// ABOUTME: Creates its schema on open; ":memory:" gives a private in-process database

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-bot/internal/dispatch"
	"github.com/2389/coven-bot/internal/gateway"
)

// MemoryPath opens an in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists checkpoints and dispatch records.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithLogger(path, slog.Default())
}

// NewSQLiteStoreWithLogger is NewSQLiteStore with an explicit logger.
func NewSQLiteStoreWithLogger(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			bot_id TEXT NOT NULL,
			shard INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			resume_url TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (bot_id, shard)
		);

		CREATE TABLE IF NOT EXISTS dispatches (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			handler TEXT NOT NULL,
			weight INTEGER NOT NULL,
			replied INTEGER NOT NULL,
			error TEXT,
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dispatches_bot_at
			ON dispatches(bot_id, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection. Later calls return nil.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// LoadCheckpoint returns the saved checkpoint of a shard. ok is false when
// nothing was saved.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, botID string, shard int) (gateway.Checkpoint, bool, error) {
	if s.closed.Load() {
		return gateway.Checkpoint{}, false, ErrClosed
	}
	query := `
		SELECT session_id, resume_url, seq, updated_at
		FROM checkpoints
		WHERE bot_id = ? AND shard = ?
	`

	cp := gateway.Checkpoint{BotID: botID, Shard: shard}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, botID, shard).Scan(&cp.SessionID, &cp.ResumeURL, &cp.Seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.Checkpoint{}, false, nil
	}
	if err != nil {
		return gateway.Checkpoint{}, false, fmt.Errorf("querying checkpoint: %w", err)
	}

	cp.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return gateway.Checkpoint{}, false, fmt.Errorf("parsing updated_at: %w", err)
	}
	return cp, true, nil
}

// SaveCheckpoint inserts or replaces the checkpoint of cp's shard.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp gateway.Checkpoint) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO checkpoints (bot_id, shard, session_id, resume_url, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, shard) DO UPDATE SET
			session_id = excluded.session_id,
			resume_url = excluded.resume_url,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		cp.BotID,
		cp.Shard,
		cp.SessionID,
		cp.ResumeURL,
		cp.Seq,
		cp.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	s.logger.Debug("saved checkpoint", "bot_id", cp.BotID, "shard", cp.Shard, "seq", cp.Seq)
	return nil
}

// ClearCheckpoint deletes the checkpoint of a shard. Clearing a missing
// checkpoint is not an error.
func (s *SQLiteStore) ClearCheckpoint(ctx context.Context, botID string, shard int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE bot_id = ? AND shard = ?`, botID, shard); err != nil {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	return nil
}

// RecordDispatch appends a row to the dispatch log. A missing ID or time is
// filled in.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, rec dispatch.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	query := `
		INSERT INTO dispatches (id, bot_id, message_id, handler, weight, replied, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.BotID,
		rec.MessageID,
		rec.Handler,
		rec.Weight,
		rec.Replied,
		nullString(rec.Error),
		rec.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting dispatch: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListDispatches returns the newest dispatch rows first. limit defaults to
// 100 and is capped at 1000.
func (s *SQLiteStore) ListDispatches(ctx context.Context, limit int) ([]Dispatch, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	query := `
		SELECT id, bot_id, message_id, handler, weight, replied, error, at
		FROM dispatches
		ORDER BY at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		var d Dispatch
		var errText sql.NullString
		var at string
		if err := rows.Scan(&d.ID, &d.BotID, &d.MessageID, &d.Handler, &d.Weight, &d.Replied, &errText, &at); err != nil {
			return nil, fmt.Errorf("scanning dispatch: %w", err)
		}
		d.Error = errText.String
		d.At, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parsing dispatch time: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dispatches: %w", err)
	}
	return out, nil
}
