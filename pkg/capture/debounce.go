package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambientlabs/ambientd/pkg/event"
	"github.com/ambientlabs/ambientd/pkg/retry"
)

// FlushFunc receives a merged batch for persistence. A retryable error
// triggers backoff inside the debouncer's flush path.
type FlushFunc func(ctx context.Context, batch []event.Event) error

// DebounceOptions tune a Debouncer.
type DebounceOptions struct {
	// Delay is the quiet period that must precede a timer flush.
	Delay time.Duration
	// MaxWait caps how long sustained activity can postpone a flush.
	// 0 disables the cap.
	MaxWait time.Duration
	// MaxBuffered flushes immediately once the buffer reaches this size.
	MaxBuffered int
	// Retry controls backoff for failed sink deliveries.
	Retry retry.Config
	// OnDrop, when set, is called once per batch lost after retries.
	OnDrop func()
	Logger zerolog.Logger
}

// Debouncer accumulates raw events and emits merged batches after a quiet
// period, so an editor auto-saving on every keystroke produces one message
// instead of twenty. Safe for concurrent producers; buffer and timer state
// sit behind one mutex, and the sink is never called with that mutex held.
type Debouncer struct {
	opts DebounceOptions
	sink FlushFunc
	log  zerolog.Logger

	mu       sync.Mutex
	buf      []event.Event
	timer    *time.Timer
	oldestAt time.Time
	closed   bool

	flushWG sync.WaitGroup
	dropped atomic.Uint64
}

// NewDebouncer builds a debouncer delivering merged batches to sink.
func NewDebouncer(opts DebounceOptions, sink FlushFunc) *Debouncer {
	if opts.Delay <= 0 {
		opts.Delay = 5 * time.Second
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 64
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Debouncer{
		opts: opts,
		sink: sink,
		log:  opts.Logger,
	}
}

// Add buffers one event and re-arms the flush timer so a quiet period of
// the configured delay always precedes a timer flush. The buffer-size
// threshold and the optional max-wait cap both force an early flush.
func (d *Debouncer) Add(ev event.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	now := time.Now()
	if len(d.buf) == 0 {
		d.oldestAt = now
	}
	d.buf = append(d.buf, ev)

	if len(d.buf) >= d.opts.MaxBuffered {
		batch := d.takeLocked()
		d.mu.Unlock()
		d.deliverAsync(batch)
		return
	}

	delay := d.opts.Delay
	if d.opts.MaxWait > 0 {
		if remaining := d.opts.MaxWait - now.Sub(d.oldestAt); remaining < delay {
			if remaining < 0 {
				remaining = 0
			}
			delay = remaining
		}
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(delay, d.timerFlush)
	} else {
		d.timer.Reset(delay)
	}
	d.mu.Unlock()
}

func (d *Debouncer) timerFlush() {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()
	d.deliverAsync(batch)
}

// FlushNow synchronously merges and delivers the buffered events. Used on
// shutdown and in tests; returns the sink error after retries.
func (d *Debouncer) FlushNow(ctx context.Context) error {
	d.mu.Lock()
	batch := d.takeLocked()
	d.mu.Unlock()
	return d.deliver(ctx, batch)
}

// Close stops the timer, flushes remaining events and waits for in-flight
// deliveries. Add becomes a no-op afterwards.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	batch := d.takeLocked()
	d.mu.Unlock()

	err := d.deliver(context.Background(), batch)
	d.flushWG.Wait()
	return err
}

// DroppedBatches reports how many batches were lost after retries.
func (d *Debouncer) DroppedBatches() uint64 { return d.dropped.Load() }

// takeLocked swaps the buffer out; caller holds d.mu.
func (d *Debouncer) takeLocked() []event.Event {
	if d.timer != nil {
		d.timer.Stop()
	}
	batch := d.buf
	d.buf = nil
	d.oldestAt = time.Time{}
	return batch
}

func (d *Debouncer) deliverAsync(batch []event.Event) {
	if len(batch) == 0 {
		return
	}
	d.flushWG.Add(1)
	go func() {
		defer d.flushWG.Done()
		_ = d.deliver(context.Background(), batch)
	}()
}

// deliver merges the raw batch and hands it to the sink, retrying with
// backoff while the failure is retryable. An exhausted batch is logged and
// dropped rather than blocking producers indefinitely.
func (d *Debouncer) deliver(ctx context.Context, batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}
	merged := event.Merge(batch)

	err := retry.Do(ctx, d.opts.Retry, func(ctx context.Context) error {
		return d.sink(ctx, merged)
	})
	if err != nil {
		d.dropped.Add(1)
		if d.opts.OnDrop != nil {
			d.opts.OnDrop()
		}
		d.log.Error().Err(err).Int("events", len(merged)).Msg("dropped batch after exhausting flush retries")
		return err
	}
	return nil
}
