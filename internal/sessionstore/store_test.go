package sessionstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxline/vox-core/internal/config"
	"github.com/voxline/vox-core/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleSession(id string, started time.Time) *session.Session {
	cfg := config.Default().Provider
	cfg.Name = "mock"
	sess := &session.Session{
		ID:              id,
		UserID:          "user-1",
		StartTime:       started,
		EndTime:         started.Add(5 * time.Second),
		TotalDurationMS: 5000,
		Config:          cfg,
	}
	sess.Chunks = []session.Chunk{
		{ID: "c1", SessionID: id, Text: "hello world.", Final: true, CreatedAt: started},
		{ID: "c2", SessionID: id, Text: "second phrase.", Final: true, CreatedAt: started.Add(time.Second)},
	}
	return sess
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.SessionStoreConfig{RetentionMode: "ephemeral"}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Save(context.Background(), sampleSession("s1", time.Now())); err != nil {
		t.Fatalf("save should be a no-op: %v", err)
	}
	records, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if records != nil {
		t.Fatalf("expected no records in ephemeral mode, got %v", records)
	}
}

func TestSaveAndListRecent(t *testing.T) {
	cfg := config.SessionStoreConfig{
		Path:          filepath.Join(t.TempDir(), "sessions.db"),
		RetentionMode: "session",
	}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := store.Save(context.Background(), sampleSession("s1", started)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(context.Background(), sampleSession("s2", started.Add(time.Minute))); err != nil {
		t.Fatalf("save: %v", err)
	}

	records, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "s2" {
		t.Fatalf("expected newest first, got %s", records[0].ID)
	}
	if records[0].Transcript != "hello world. second phrase." {
		t.Fatalf("unexpected transcript: %q", records[0].Transcript)
	}
	if records[0].ChunkCount != 2 {
		t.Fatalf("expected 2 chunks, got %d", records[0].ChunkCount)
	}
}

func TestPruneByAgeAndCount(t *testing.T) {
	cfg := config.SessionStoreConfig{
		Path:          filepath.Join(t.TempDir(), "sessions.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	if err := store.Save(context.Background(), sampleSession("old", old)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(context.Background(), sampleSession("new", recent)); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.clock = func() time.Time { return recent.Add(time.Hour) }
	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != "new" {
		t.Fatalf("expected only the recent session to survive, got %v", records)
	}
}
