// Package event defines the normalized activity event consumed by the
// capture pipeline. Source adapters (editor hooks, shell wrappers, VCS
// hooks) construct events and hand them to the capture service; nothing in
// this package performs I/O.
package event

import (
	"fmt"
	"time"

	"github.com/ambientlabs/ambientd/pkg/errs"
)

// Kind discriminates the closed set of activity signals.
type Kind string

const (
	KindFileChange      Kind = "file-change"
	KindTerminalCommand Kind = "terminal-command"
	KindVCSHook         Kind = "vcs-hook"
	KindEditorPoll      Kind = "editor-poll"
)

// ParseKind validates a raw kind string from an adapter.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindFileChange, KindTerminalCommand, KindVCSHook, KindEditorPoll:
		return Kind(raw), nil
	}
	return "", fmt.Errorf("%w: unknown event kind %q", errs.ErrInvalidInput, raw)
}

// DefaultMaxSubjectBytes bounds subject and metadata values. Oversized
// input is rejected, never truncated, so a runaway adapter cannot corrupt
// the store.
const DefaultMaxSubjectBytes = 256 * 1024

// Event is one observed activity signal. Immutable once created; adapters
// should redact secrets from Subject before ingestion.
type Event struct {
	Kind       Kind
	Subject    string
	OccurredAt time.Time
	Meta       map[string]string
}

// Validate checks shape and size. maxSubjectBytes <= 0 falls back to
// DefaultMaxSubjectBytes.
func (e Event) Validate(maxSubjectBytes int) error {
	if maxSubjectBytes <= 0 {
		maxSubjectBytes = DefaultMaxSubjectBytes
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if e.Subject == "" {
		return fmt.Errorf("%w: empty subject", errs.ErrInvalidInput)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: zero timestamp", errs.ErrInvalidInput)
	}
	if len(e.Subject) > maxSubjectBytes {
		return fmt.Errorf("%w: subject is %d bytes (limit %d)", errs.ErrInvalidInput, len(e.Subject), maxSubjectBytes)
	}
	for k, v := range e.Meta {
		if len(v) > maxSubjectBytes {
			return fmt.Errorf("%w: metadata %q is %d bytes (limit %d)", errs.ErrInvalidInput, k, len(v), maxSubjectBytes)
		}
	}
	return nil
}

// MergeKey returns the identity under which bursts collapse. File edits
// collapse per path, repeated identical commands collapse together, VCS
// hooks collapse per hook name, and editor polls all collapse into one.
func (e Event) MergeKey() string {
	switch e.Kind {
	case KindFileChange:
		return "file:" + e.Subject
	case KindTerminalCommand:
		return "cmd:" + e.Subject
	case KindVCSHook:
		if hook, ok := e.Meta["hook"]; ok && hook != "" {
			return "vcs:" + hook
		}
		return "vcs:" + e.Subject
	case KindEditorPoll:
		return "poll"
	}
	return string(e.Kind) + ":" + e.Subject
}

// UserInitiated reports whether the event represents a deliberate developer
// action, as opposed to ambient editor/VCS machinery.
func (e Event) UserInitiated() bool {
	return e.Kind == KindFileChange || e.Kind == KindTerminalCommand
}

// Merge collapses a buffered burst into one representative event per merge
// key. Within a key the representative carries the latest timestamp and the
// union of metadata (later values win); first-seen order is preserved
// across keys. Saving a file twenty times inside one debounce window yields
// exactly one merged event.
func Merge(events []Event) []Event {
	if len(events) == 0 {
		return nil
	}

	order := make([]string, 0, len(events))
	byKey := make(map[string]Event, len(events))

	for _, ev := range events {
		key := ev.MergeKey()
		cur, seen := byKey[key]
		if !seen {
			cp := ev
			cp.Meta = cloneMeta(ev.Meta)
			byKey[key] = cp
			order = append(order, key)
			continue
		}
		if cur.Meta == nil && len(ev.Meta) > 0 {
			cur.Meta = make(map[string]string, len(ev.Meta))
		}
		for k, v := range ev.Meta {
			cur.Meta[k] = v
		}
		if !ev.OccurredAt.Before(cur.OccurredAt) {
			cur.OccurredAt = ev.OccurredAt
			cur.Subject = ev.Subject
		}
		byKey[key] = cur
	}

	out := make([]Event, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
