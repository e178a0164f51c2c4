package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/session"
)

// Record is the archived summary of one frozen session.
type Record struct {
	ID         string
	UserID     string
	Provider   string
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMS int64
	Transcript string
	ChunkCount int
}

// Store archives frozen sessions and their chunks in SQLite for salvage and
// audit. Retention mode ephemeral disables persistence entirely.
type Store struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT,
    provider TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL,
    transcript TEXT
);
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    chunk_id TEXT,
    text TEXT,
    start_offset_ms INTEGER,
    end_offset_ms INTEGER,
    confidence REAL,
    final INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save archives one frozen session and its chunk list.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, provider, started_at, ended_at, duration_ms, transcript)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET transcript=excluded.transcript, ended_at=excluded.ended_at`,
		sess.ID, sess.UserID, sess.Config.Name, sess.StartTime.UTC(), sess.EndTime.UTC(),
		sess.TotalDurationMS, sess.Transcript())
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}

	for _, c := range sess.Chunks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks(session_id, chunk_id, text, start_offset_ms, end_offset_ms, confidence, final, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, c.ID, c.Text, c.StartOffsetMS, c.EndOffsetMS, c.Confidence, c.Final, c.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("archive chunk: %w", err)
		}
	}
	return tx.Commit()
}

// ListRecent returns up to limit archived sessions, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.user_id, s.provider, s.started_at, s.ended_at, s.duration_ms, s.transcript,
		        (SELECT COUNT(*) FROM chunks c WHERE c.session_id = s.session_id)
		 FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.Provider, &r.StartedAt, &r.EndedAt,
			&r.DurationMS, &r.Transcript, &r.ChunkCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune enforces the retention policy by age and by session count.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id NOT IN (
			    SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT ?)`,
			s.cfg.MaxSessions); err != nil {
			return fmt.Errorf("prune by count: %w", err)
		}
	}
	return nil
}
