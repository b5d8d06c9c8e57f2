package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambientlabs/ambientd/pkg/config"
	"github.com/ambientlabs/ambientd/pkg/errs"
	"github.com/ambientlabs/ambientd/pkg/event"
	"github.com/ambientlabs/ambientd/pkg/patterns"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DebounceDelaySeconds = 3600 // flush explicitly in tests

	svc, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestIngestFlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	at := time.Now()
	for i := 0; i < 5; i++ {
		err := svc.Ingest(event.Event{Kind: event.KindFileChange, Subject: "pkg/db/db.go", OccurredAt: at.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ses, ok, err := svc.ActiveSession(ctx)
	if err != nil || !ok {
		t.Fatalf("expected an active session, ok=%v err=%v", ok, err)
	}
	msgs, err := svc.SessionMessages(ctx, ses.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("burst on one path must persist one message, got %d", len(msgs))
	}
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	cases := []struct {
		name string
		ev   event.Event
	}{
		{"unknown kind", event.Event{Kind: "keyboard", Subject: "x", OccurredAt: time.Now()}},
		{"empty subject", event.Event{Kind: event.KindFileChange, OccurredAt: time.Now()}},
		{"zero timestamp", event.Event{Kind: event.KindFileChange, Subject: "x"}},
		{"oversized subject", event.Event{Kind: event.KindFileChange, Subject: strings.Repeat("a", 256*1024+1), OccurredAt: time.Now()}},
	}
	for _, tc := range cases {
		if err := svc.Ingest(tc.ev); !errors.Is(err, errs.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}

	// Nothing invalid may reach the store.
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok, err := svc.ActiveSession(ctx); err != nil || ok {
		t.Fatalf("rejected events must not open a session, ok=%v err=%v", ok, err)
	}
}

func TestEndSessionThenNewBatchOpensFreshSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Ingest(event.Event{Kind: event.KindFileChange, Subject: "a.go", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	first, ok, err := svc.ActiveSession(ctx)
	if err != nil || !ok {
		t.Fatalf("active session: ok=%v err=%v", ok, err)
	}
	if err := svc.EndSession(ctx, first.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	if err := svc.Ingest(event.Event{Kind: event.KindFileChange, Subject: "b.go", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	second, ok, err := svc.ActiveSession(ctx)
	if err != nil || !ok {
		t.Fatalf("active session: ok=%v err=%v", ok, err)
	}
	if second.ID == first.ID {
		t.Fatal("a batch after an explicit end must open a fresh session")
	}

	sessions, err := svc.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestPatternSurfaceRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	err := svc.Patterns().Add(ctx, patterns.Pattern{
		ID:         "pat-1",
		Title:      "Close stores in reverse open order",
		Content:    "Tear down dependents before their dependencies.",
		Type:       "practice",
		Confidence: 0.6,
		Namespaces: []string{"go"},
	})
	if err != nil {
		t.Fatalf("add pattern: %v", err)
	}

	got, err := svc.SearchPatterns(ctx, "reverse order", "go", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pat-1" {
		t.Fatalf("unexpected search results: %#v", got)
	}

	stats, err := svc.PatternStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByType["practice"] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestStartTwiceFails(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(); err == nil {
		t.Fatal("second start must fail")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopFlushesBufferedEvents(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DebounceDelaySeconds = 3600

	svc, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Ingest(event.Event{Kind: event.KindFileChange, Subject: "a.go", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Reopen the same data dir; the flushed session must be on disk.
	svc2, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer svc2.Stop()
	sessions, err := svc2.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].MessageCount != 1 {
		t.Fatalf("stop must flush the buffered event, got %#v", sessions)
	}
}

func TestSearchPatternsEmptyQueryIsEmpty(t *testing.T) {
	svc := newTestService(t)
	got, err := svc.SearchPatterns(context.Background(), "", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %#v", got)
	}
}
