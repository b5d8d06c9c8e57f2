package capture

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ambientlabs/ambientd/pkg/event"
	"github.com/ambientlabs/ambientd/pkg/memory"
	"github.com/ambientlabs/ambientd/pkg/metrics"
)

// Tracker attributes merged batches to capture sessions. It reuses the
// open session when one exists (the store's lazy idle close runs as part of
// the ActiveSession read) and opens a fresh one otherwise. Capacity
// eviction runs best-effort after each insert.
type Tracker struct {
	store *memory.Store
	met   *metrics.Metrics
	log   zerolog.Logger

	mu sync.Mutex // serializes attribution so batches stay time-ordered
}

// NewTracker wires a tracker over the working-memory store.
func NewTracker(store *memory.Store, met *metrics.Metrics, log zerolog.Logger) *Tracker {
	return &Tracker{store: store, met: met, log: log}
}

// Persist is the debouncer sink: it writes one message per merged event
// onto the current session.
func (t *Tracker) Persist(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ses, ok, err := t.store.ActiveSession(ctx)
	if err != nil {
		return err
	}
	sessionID := ses.ID
	if !ok {
		sessionID, err = t.store.BeginSession(ctx, "ambient")
		if err != nil {
			return err
		}
		if t.met != nil {
			t.met.SessionsStarted.Inc()
		}
		t.log.Debug().Str("session_id", sessionID).Msg("opened capture session")
	}

	for _, ev := range batch {
		role := memory.RoleSystem
		if ev.UserInitiated() {
			role = memory.RoleUser
		}
		if err := t.store.AppendMessage(ctx, sessionID, role, encodeContent(ev), ev.OccurredAt); err != nil {
			return err
		}
	}

	// Eviction is cleanup, not part of the ingestion contract: a failure
	// here must not fail the insert that triggered it.
	evicted, err := t.store.EnforceCapacity(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("capacity eviction failed")
	} else if evicted > 0 && t.met != nil {
		t.met.SessionsEvicted.Add(float64(evicted))
	}
	return nil
}

// messagePayload is the persisted message content shape. Pattern-mining
// consumers parse it back out of the message row.
type messagePayload struct {
	Kind    string            `json:"kind"`
	Subject string            `json:"subject"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func encodeContent(ev event.Event) string {
	b, err := json.Marshal(messagePayload{
		Kind:    string(ev.Kind),
		Subject: ev.Subject,
		Meta:    ev.Meta,
	})
	if err != nil {
		return ev.Subject
	}
	return string(b)
}
