package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/retry"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func rateLimited() error {
	return errs.New("alpaca", errs.CodeRateLimited, errs.WithHTTP(429))
}

func TestTransientSequenceEventuallySucceeds(t *testing.T) {
	rec := &sleepRecorder{}
	p := retry.NewPolicy(retry.WithSleeper(rec.sleep))

	calls := 0
	got, err := retry.Do(context.Background(), p, "alpaca", "submit_order", func(context.Context) (string, error) {
		calls++
		if calls < 4 {
			return "", rateLimited()
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 4, calls)
	require.Equal(t, []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}, rec.delays)
}

func TestPermanentErrorSingleAttempt(t *testing.T) {
	rec := &sleepRecorder{}
	p := retry.NewPolicy(retry.WithSleeper(rec.sleep))

	calls := 0
	perm := errs.New("alpaca", errs.CodeInvalid, errs.WithMessage("bad symbol"))
	_, err := retry.Do(context.Background(), p, "alpaca", "submit_order", func(context.Context) (int, error) {
		calls++
		return 0, perm
	})
	require.Equal(t, 1, calls)
	require.Empty(t, rec.delays)
	require.Same(t, perm, err)
}

func TestExhaustionPreservesOriginalError(t *testing.T) {
	rec := &sleepRecorder{}
	now := time.Unix(1000, 0)
	p := retry.NewPolicy(
		retry.WithSleeper(func(ctx context.Context, d time.Duration) error {
			now = now.Add(d)
			return rec.sleep(ctx, d)
		}),
		retry.WithClock(func() time.Time { return now }),
	)

	calls := 0
	_, err := retry.Do(context.Background(), p, "alpaca", "get_order", func(context.Context) (int, error) {
		calls++
		return 0, rateLimited()
	})
	require.Error(t, err)
	require.Equal(t, 4, calls)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, 4, e.Attempts)
	require.Equal(t, 14*time.Second, e.Elapsed)
}

func TestCustomSchedule(t *testing.T) {
	rec := &sleepRecorder{}
	p := retry.NewPolicy(
		retry.WithDelays(time.Millisecond, 2*time.Millisecond),
		retry.WithSleeper(rec.sleep),
	)
	require.Equal(t, 3, p.MaxAttempts())

	calls := 0
	_, err := retry.Do(context.Background(), p, "alpaca", "get_price", func(context.Context) (int, error) {
		calls++
		return 0, rateLimited()
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, rec.delays, 2)
}

func TestPlainErrorIsNotRetried(t *testing.T) {
	p := retry.NewPolicy(retry.WithSleeper(func(context.Context, time.Duration) error {
		t.Fatal("unexpected sleep")
		return nil
	}))
	calls := 0
	_, err := retry.Do(context.Background(), p, "alpaca", "get_order", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestCanceledWaitIsUnknownOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.NewPolicy(retry.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := retry.Do(ctx, p, "alpaca", "submit_order", func(context.Context) (int, error) {
		return 0, rateLimited()
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
	require.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentInvocationsDoNotInterfere(t *testing.T) {
	p := retry.NewPolicy(retry.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			calls := 0
			got, err := retry.Do(context.Background(), p, "alpaca", "get_price", func(context.Context) (int, error) {
				calls++
				if calls < 3 {
					return 0, rateLimited()
				}
				return 42, nil
			})
			require.NoError(t, err)
			require.Equal(t, 42, got)
			require.Equal(t, 3, calls)
		}()
	}
	wg.Wait()
}
