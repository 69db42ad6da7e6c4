package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginSession(ctx, Session{ID: "s1", Text: "hi"}); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil || sessions != nil {
		t.Fatalf("expected no sessions, got %v, %v", sessions, err)
	}
}

func TestSessionTimeline(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.BeginSession(ctx, Session{ID: "session-123", Text: "hello there", Target: "kiosk", Generation: 4}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for _, state := range []string{"connecting", "receiving", "ended"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: "state", State: state, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.FinishSession(ctx, "session-123", "ended", ""); err != nil {
		t.Fatalf("finish session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].State != "connecting" || events[2].State != "ended" {
		t.Fatalf("unexpected event order: %+v", events)
	}

	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Text != "hello there" || got.Target != "kiosk" || got.Generation != 4 || got.FinalState != "ended" {
		t.Fatalf("unexpected session row: %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Fatalf("expected finished_at to be set")
	}
}

func TestBeginSessionIsIdempotent(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := es.BeginSession(ctx, Session{ID: "dup", Text: "same", Generation: 1}); err != nil {
			t.Fatalf("begin session: %v", err)
		}
	}
	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected a single row, got %d", len(sessions))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "old-session", Text: "old", Generation: 1}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, Session{ID: "new-session", Text: "new", Generation: 2}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session to survive, got %+v", sessions)
	}
}
