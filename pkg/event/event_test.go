package event

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ambientlabs/ambientd/pkg/errs"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 14, 9, 0, sec, 0, time.UTC)
}

func TestMerge_CollapsesBurstPerPath(t *testing.T) {
	events := []Event{}
	for i := 0; i < 20; i++ {
		events = append(events, Event{
			Kind:       KindFileChange,
			Subject:    "internal/server/server.go",
			OccurredAt: ts(i),
		})
	}

	merged := Merge(events)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(merged))
	}
	if !merged[0].OccurredAt.Equal(ts(19)) {
		t.Fatalf("expected latest timestamp %v, got %v", ts(19), merged[0].OccurredAt)
	}
}

func TestMerge_KeepsDistinctKeysInFirstSeenOrder(t *testing.T) {
	events := []Event{
		{Kind: KindFileChange, Subject: "a.go", OccurredAt: ts(0)},
		{Kind: KindTerminalCommand, Subject: "go test ./...", OccurredAt: ts(1)},
		{Kind: KindFileChange, Subject: "b.go", OccurredAt: ts(2)},
		{Kind: KindFileChange, Subject: "a.go", OccurredAt: ts(3)},
	}

	merged := Merge(events)
	if len(merged) != 3 {
		t.Fatalf("expected 3 merged events, got %d", len(merged))
	}
	if merged[0].Subject != "a.go" || merged[1].Subject != "go test ./..." || merged[2].Subject != "b.go" {
		t.Fatalf("unexpected order: %#v", merged)
	}
	if !merged[0].OccurredAt.Equal(ts(3)) {
		t.Fatalf("merged a.go should carry latest timestamp, got %v", merged[0].OccurredAt)
	}
}

func TestMerge_UnionsMetadataLaterWins(t *testing.T) {
	events := []Event{
		{Kind: KindFileChange, Subject: "a.go", OccurredAt: ts(0), Meta: map[string]string{"change": "create", "lang": "go"}},
		{Kind: KindFileChange, Subject: "a.go", OccurredAt: ts(1), Meta: map[string]string{"change": "modify"}},
	}

	merged := Merge(events)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(merged))
	}
	if merged[0].Meta["change"] != "modify" {
		t.Fatalf("later metadata should win, got %q", merged[0].Meta["change"])
	}
	if merged[0].Meta["lang"] != "go" {
		t.Fatalf("earlier metadata should survive the union, got %#v", merged[0].Meta)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	first := Event{Kind: KindFileChange, Subject: "a.go", OccurredAt: ts(0), Meta: map[string]string{"change": "create"}}
	events := []Event{
		first,
		{Kind: KindFileChange, Subject: "a.go", OccurredAt: ts(1), Meta: map[string]string{"change": "modify"}},
	}

	_ = Merge(events)
	if first.Meta["change"] != "create" {
		t.Fatalf("input event mutated: %#v", first.Meta)
	}
}

func TestMerge_VCSHookCollapsesPerHookName(t *testing.T) {
	events := []Event{
		{Kind: KindVCSHook, Subject: "repo", OccurredAt: ts(0), Meta: map[string]string{"hook": "pre-commit"}},
		{Kind: KindVCSHook, Subject: "repo", OccurredAt: ts(1), Meta: map[string]string{"hook": "post-commit"}},
	}
	if got := len(Merge(events)); got != 2 {
		t.Fatalf("different hooks must not combine, got %d merged", got)
	}
}

func TestValidate_RejectsOversizedSubject(t *testing.T) {
	ev := Event{
		Kind:       KindTerminalCommand,
		Subject:    strings.Repeat("x", 1025),
		OccurredAt: ts(0),
	}
	err := ev.Validate(1024)
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidate_RejectsUnknownKind(t *testing.T) {
	ev := Event{Kind: "mouse-move", Subject: "x", OccurredAt: ts(0)}
	if err := ev.Validate(0); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidate_AcceptsWellFormedEvent(t *testing.T) {
	ev := Event{
		Kind:       KindFileChange,
		Subject:    "pkg/event/event.go",
		OccurredAt: ts(0),
		Meta:       map[string]string{"change": "modify"},
	}
	if err := ev.Validate(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
