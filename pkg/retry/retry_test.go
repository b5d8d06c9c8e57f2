package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ambientlabs/ambientd/pkg/errs"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Storage("flush", errors.New("locked"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	wantErr := errs.ErrInvalidInput
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable errors must not be retried, got %d calls", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return errs.Storage("flush", errors.New("still locked"))
	})
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second}, func(ctx context.Context) error {
		return errs.Storage("flush", errors.New("locked"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
