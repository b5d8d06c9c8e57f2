package capture

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambientlabs/ambientd/pkg/event"
	"github.com/ambientlabs/ambientd/pkg/memory"
	"github.com/ambientlabs/ambientd/pkg/metrics"
)

func newTrackerWithStore(t *testing.T, opts memory.Options) (*Tracker, *memory.Store) {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "sessions.db"), opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewTracker(store, metrics.New(), zerolog.Nop()), store
}

func TestPersistOpensSessionAndAssignsRoles(t *testing.T) {
	ctx := context.Background()
	tr, store := newTrackerWithStore(t, memory.Options{})

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	batch := []event.Event{
		{Kind: event.KindFileChange, Subject: "cmd/main.go", OccurredAt: at, Meta: map[string]string{"change": "modify"}},
		{Kind: event.KindEditorPoll, Subject: "idle-check", OccurredAt: at.Add(time.Second)},
	}
	if err := tr.Persist(ctx, batch); err != nil {
		t.Fatalf("persist: %v", err)
	}

	ses, ok, err := store.ActiveSession(ctx)
	if err != nil || !ok {
		t.Fatalf("expected an active session, ok=%v err=%v", ok, err)
	}
	msgs, err := store.Messages(ctx, ses.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != memory.RoleUser {
		t.Fatalf("file changes are user-initiated, got role %q", msgs[0].Role)
	}
	if msgs[1].Role != memory.RoleSystem {
		t.Fatalf("editor polls are system noise, got role %q", msgs[1].Role)
	}

	var payload struct {
		Kind    string            `json:"kind"`
		Subject string            `json:"subject"`
		Meta    map[string]string `json:"meta"`
	}
	if err := json.Unmarshal([]byte(msgs[0].Content), &payload); err != nil {
		t.Fatalf("message content must be JSON: %v", err)
	}
	if payload.Kind != "file-change" || payload.Subject != "cmd/main.go" || payload.Meta["change"] != "modify" {
		t.Fatalf("payload round-trip mismatch: %#v", payload)
	}
}

func TestPersistReusesOpenSession(t *testing.T) {
	ctx := context.Background()
	tr, store := newTrackerWithStore(t, memory.Options{})

	first := []event.Event{{Kind: event.KindFileChange, Subject: "a.go", OccurredAt: time.Now()}}
	second := []event.Event{{Kind: event.KindFileChange, Subject: "b.go", OccurredAt: time.Now()}}
	if err := tr.Persist(ctx, first); err != nil {
		t.Fatalf("persist first: %v", err)
	}
	if err := tr.Persist(ctx, second); err != nil {
		t.Fatalf("persist second: %v", err)
	}

	sessions, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("consecutive batches must share one session, got %d", len(sessions))
	}
	if sessions[0].MessageCount != 2 {
		t.Fatalf("expected 2 messages on the session, got %d", sessions[0].MessageCount)
	}
}

func TestPersistEmptyBatchIsNoop(t *testing.T) {
	ctx := context.Background()
	tr, store := newTrackerWithStore(t, memory.Options{})

	if err := tr.Persist(ctx, nil); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, ok, err := store.ActiveSession(ctx); err != nil || ok {
		t.Fatalf("empty batch must not open a session, ok=%v err=%v", ok, err)
	}
}

func TestPersistTriggersCapacityEviction(t *testing.T) {
	ctx := context.Background()
	tr, store := newTrackerWithStore(t, memory.Options{Capacity: 1})

	batch := []event.Event{{Kind: event.KindFileChange, Subject: "a.go", OccurredAt: time.Now()}}
	if err := tr.Persist(ctx, batch); err != nil {
		t.Fatalf("persist first: %v", err)
	}
	ses, ok, err := store.ActiveSession(ctx)
	if err != nil || !ok {
		t.Fatalf("active session: ok=%v err=%v", ok, err)
	}
	if err := store.EndSession(ctx, ses.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	// The next batch opens a second session, so the completed one exceeds
	// capacity and is evicted during the same Persist call.
	if err := tr.Persist(ctx, batch); err != nil {
		t.Fatalf("persist second: %v", err)
	}
	sessions, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected capacity eviction down to 1 session, got %d", len(sessions))
	}
	if sessions[0].Status != memory.StatusActive {
		t.Fatalf("the surviving session must be the active one, got %q", sessions[0].Status)
	}
}
