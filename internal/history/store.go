package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Entry is one recorded dictation cycle.
type Entry struct {
	ID         string
	RunID      string
	Tone       string
	Raw        string
	Final      string
	Outcome    string
	ErrorKind  string
	Error      string
	Method     string
	Fallback   bool
	Audio      time.Duration
	Transcribe time.Duration
	Transform  time.Duration
	Total      time.Duration
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed dictation history.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
	runID string
}

// Open initializes the history store according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "history"))
	s := &Store{cfg: cfg, log: log, clock: time.Now, runID: uuid.NewString()}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := openDB(ctx, fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path))
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.beginRun(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// OpenReadOnly opens an existing history for listing. It never records a run or prunes.
func OpenReadOnly(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no history at %s: %w", path, err)
	}
	db, err := openDB(ctx, fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, err
	}
	return &Store{
		db:    db,
		cfg:   config.HistoryConfig{Path: path, RetentionMode: "persistent"},
		log:   log.With(slog.String("component", "history")),
		clock: time.Now,
	}, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    tone TEXT,
    raw_text TEXT,
    final_text TEXT,
    outcome TEXT NOT NULL,
    error_kind TEXT,
    error TEXT,
    method TEXT,
    fallback INTEGER NOT NULL DEFAULT 0,
    audio_ms INTEGER,
    transcribe_ms INTEGER,
    transform_ms INTEGER,
    total_ms INTEGER,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_cycles_created ON cycles(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) beginRun(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(run_id, started_at) VALUES(?, ?)`,
		s.runID, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// RunID identifies the current process run.
func (s *Store) RunID() string { return s.runID }

// Close releases underlying resources. Session retention drops this run's entries.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode == "session" {
		if _, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, s.runID); err != nil {
			s.log.Warn("history session cleanup failed", slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

// Record writes a cycle into the store.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RunID == "" {
		e.RunID = s.runID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles(id, run_id, tone, raw_text, final_text, outcome, error_kind, error, method,
		   fallback, audio_ms, transcribe_ms, transform_ms, total_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Tone, e.Raw, e.Final, e.Outcome, e.ErrorKind, e.Error, e.Method,
		e.Fallback, e.Audio.Milliseconds(), e.Transcribe.Milliseconds(), e.Transform.Milliseconds(),
		e.Total.Milliseconds(), e.CreatedAt.UnixMilli())
	return err
}

// ListRecent returns up to limit cycles, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tone, raw_text, final_text, outcome, error_kind, error, method, fallback,
		        audio_ms, transcribe_ms, transform_ms, total_ms, created_at
		 FROM cycles ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var audioMS, transcribeMS, transformMS, totalMS, created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Tone, &e.Raw, &e.Final, &e.Outcome, &e.ErrorKind, &e.Error,
			&e.Method, &e.Fallback, &audioMS, &transcribeMS, &transformMS, &totalMS, &created); err != nil {
			return nil, err
		}
		e.Audio = time.Duration(audioMS) * time.Millisecond
		e.Transcribe = time.Duration(transcribeMS) * time.Millisecond
		e.Transform = time.Duration(transformMS) * time.Millisecond
		e.Total = time.Duration(totalMS) * time.Millisecond
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies retention: previous runs in session mode, then age and count limits.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode == "session" {
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id <> ?`, s.runID); err != nil {
			return err
		}
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM cycles WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ? AND run_id <> ?`, cutoff.UnixMilli(), s.runID); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM cycles WHERE id IN (
			SELECT id FROM cycles ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
