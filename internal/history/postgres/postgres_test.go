package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxa/internal/history"
	"github.com/MrWong99/voxa/internal/session"
)

func TestRecentQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		limit    int
		wantArgs int
		wantSub  string
	}{
		{"unbounded", 0, 0, "ORDER  BY started_at, id"},
		{"limited", 5, 1, "LIMIT  $1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, args := recentQuery(tt.limit)
			if len(args) != tt.wantArgs {
				t.Errorf("args = %v", args)
			}
			if !strings.Contains(q, tt.wantSub) {
				t.Errorf("query missing %q:\n%s", tt.wantSub, q)
			}
		})
	}
}

func TestSearchQuery(t *testing.T) {
	t.Parallel()

	q, args := searchQuery("timer", 3)
	if len(args) != 2 || args[0] != "timer" || args[1] != 3 {
		t.Errorf("args = %v", args)
	}
	for _, want := range []string{"plainto_tsquery('english', $1)", "LIMIT  $2"} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
}

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS turns CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendRecentSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	entries := []history.Entry{
		{TurnID: uuid.New(), SessionID: "s1", Prompt: "set a timer", Response: "Timer set for ten minutes.", Status: session.StatusComplete, Started: base, Duration: time.Second},
		{TurnID: uuid.New(), SessionID: "s1", Prompt: "what is the weather", Response: "Partial", Status: session.StatusFailed, Error: "connection reset", Started: base.Add(time.Minute)},
		{TurnID: uuid.New(), SessionID: "s1", Prompt: "tell a joke", Response: "Why did the chicken cross the road?", Status: session.StatusComplete, VoiceID: "v1", Started: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, entries[0]); err != nil {
		t.Fatalf("duplicate Append: %v", err)
	}

	all, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Recent(0) = %d entries, want 3", len(all))
	}
	if all[1].Status != session.StatusFailed || all[1].Error != "connection reset" {
		t.Errorf("failed entry = %+v", all[1])
	}
	if all[0].TurnID != entries[0].TurnID || all[0].Duration != time.Second {
		t.Errorf("first entry = %+v", all[0])
	}

	last, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent(2): %v", err)
	}
	if len(last) != 2 || last[0].Prompt != "what is the weather" || last[1].Prompt != "tell a joke" {
		t.Errorf("Recent(2) = %+v", last)
	}

	found, err := s.Search(ctx, "timers", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 || found[0].Prompt != "set a timer" {
		t.Errorf("Search(timers) = %+v", found)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
