// Package capture implements the ambient capture pipeline: the event
// debouncer, the session tracker and the service that ties them to the
// working-memory and pattern stores.
package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/ambientlabs/ambientd/pkg/config"
	"github.com/ambientlabs/ambientd/pkg/event"
	"github.com/ambientlabs/ambientd/pkg/memory"
	"github.com/ambientlabs/ambientd/pkg/metrics"
	"github.com/ambientlabs/ambientd/pkg/patterns"
)

// Service owns the capture pipeline. Configuration is constructor-injected
// and the lifecycle is explicit, so multiple instances coexist in tests
// without shared global state.
type Service struct {
	cfg      config.Config
	log      zerolog.Logger
	met      *metrics.Metrics
	sessions *memory.Store
	patterns *patterns.Store
	debounce *Debouncer
	tracker  *Tracker
	cron     *gronx.Gronx

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool

	closeOnce sync.Once
	closeErr  error
}

// New opens the stores under cfg.DataDir and assembles the pipeline. The
// service does no background work until Start.
func New(cfg config.Config, log zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	met := metrics.New()

	sessions, err := memory.NewStore(filepath.Join(cfg.DataDir, "sessions.db"), memory.Options{
		IdleBoundary: time.Duration(cfg.IdleBoundaryMinutes) * time.Minute,
		Capacity:     cfg.SessionCapacity,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	pats, err := patterns.NewStore(filepath.Join(cfg.DataDir, "patterns.db"), log)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	tracker := NewTracker(sessions, met, log)
	deb := NewDebouncer(DebounceOptions{
		Delay:       time.Duration(cfg.DebounceDelaySeconds) * time.Second,
		MaxWait:     time.Duration(cfg.DebounceMaxWaitSeconds) * time.Second,
		MaxBuffered: cfg.MaxBufferedEvents,
		OnDrop:      met.BatchesDropped.Inc,
		Logger:      log,
	}, func(ctx context.Context, batch []event.Event) error {
		if err := tracker.Persist(ctx, batch); err != nil {
			return err
		}
		met.BatchesFlushed.Inc()
		return nil
	})

	return &Service{
		cfg:      cfg,
		log:      log,
		met:      met,
		sessions: sessions,
		patterns: pats,
		debounce: deb,
		tracker:  tracker,
		cron:     gronx.New(),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the scheduled maintenance worker.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("capture service already started")
	}
	s.started = true

	s.wg.Add(1)
	go s.runMaintenance()
	s.log.Info().Str("data_dir", s.cfg.DataDir).Msg("capture pipeline started")
	return nil
}

// Stop flushes buffered events, stops background work and closes the
// stores. Safe to call more than once.
func (s *Service) Stop() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		flushErr := s.debounce.Close()
		if err := s.sessions.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
		if err := s.patterns.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
		s.closeErr = flushErr
		s.log.Info().Msg("capture pipeline stopped")
	})
	return s.closeErr
}

// Ingest is the single entry point for event source adapters. Malformed or
// oversized events are rejected up front and never buffered.
func (s *Service) Ingest(ev event.Event) error {
	if err := ev.Validate(s.cfg.MaxSubjectBytes); err != nil {
		s.met.EventsRejected.WithLabelValues("invalid").Inc()
		return err
	}
	s.debounce.Add(ev)
	s.met.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Flush forces a synchronous debounce flush. Primarily for tests and
// shutdown hooks.
func (s *Service) Flush(ctx context.Context) error {
	return s.debounce.FlushNow(ctx)
}

// ActiveSession reports the open session, applying the lazy idle close.
func (s *Service) ActiveSession(ctx context.Context) (memory.Session, bool, error) {
	return s.sessions.ActiveSession(ctx)
}

// EndSession explicitly completes a session.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	return s.sessions.EndSession(ctx, sessionID)
}

// RecentSessions lists stored sessions newest-first.
func (s *Service) RecentSessions(ctx context.Context, limit int) ([]memory.Session, error) {
	return s.sessions.RecentSessions(ctx, limit)
}

// SessionMessages returns a session's persisted messages.
func (s *Service) SessionMessages(ctx context.Context, sessionID string) ([]memory.Message, error) {
	return s.sessions.Messages(ctx, sessionID)
}

// SearchPatterns performs a ranked full-text pattern lookup.
func (s *Service) SearchPatterns(ctx context.Context, query, namespace string, limit int) ([]patterns.Pattern, error) {
	return s.patterns.Search(ctx, query, namespace, limit)
}

// PatternStats summarizes the pattern store.
func (s *Service) PatternStats(ctx context.Context) (patterns.Stats, error) {
	return s.patterns.PatternStats(ctx)
}

// Patterns exposes the pattern store to extraction consumers.
func (s *Service) Patterns() *patterns.Store { return s.patterns }

// Metrics exposes the pipeline metrics registry.
func (s *Service) Metrics() *metrics.Metrics { return s.met }

// runMaintenance drives the cron-scheduled pattern prune. The schedule is
// evaluated once per minute; prune failures are warnings, never fatal.
func (s *Service) runMaintenance() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			due, err := s.cron.IsDue(s.cfg.PruneSchedule, now)
			if err != nil {
				s.log.Warn().Err(err).Str("schedule", s.cfg.PruneSchedule).Msg("prune schedule check failed")
				continue
			}
			if !due {
				continue
			}
			s.prunePatterns()
		}
	}
}

func (s *Service) prunePatterns() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	maxAge := time.Duration(s.cfg.PruneMaxAgeDays) * 24 * time.Hour
	pruned, err := s.patterns.Prune(ctx, s.cfg.PruneMinConfidence, maxAge)
	if err != nil {
		s.log.Warn().Err(err).Msg("pattern prune failed")
		return
	}
	if pruned > 0 {
		s.met.PatternsPruned.Add(float64(pruned))
	}
}
