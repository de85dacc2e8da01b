// Package retry implements bounded-backoff retry for broker calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/observability"
)

// DefaultDelays is the standard backoff schedule: four attempts in total,
// sleeping 1s, 3s, and 10s between them.
var DefaultDelays = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}

// Sleeper blocks for the given duration or until the context is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy retries an operation on transient broker errors following a fixed
// delay schedule. A Policy value holds no mutable state: every call derives
// a fresh backoff, so concurrent invocations never interfere.
type Policy struct {
	delays []time.Duration
	sleep  Sleeper
	now    func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithDelays overrides the backoff schedule. N delays allow N+1 attempts.
func WithDelays(delays ...time.Duration) Option {
	return func(p *Policy) {
		if len(delays) > 0 {
			p.delays = append([]time.Duration(nil), delays...)
		}
	}
}

// WithSleeper overrides how the policy waits between attempts.
func WithSleeper(sleep Sleeper) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithClock overrides the policy clock.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPolicy builds a Policy with the default schedule unless overridden.
func NewPolicy(opts ...Option) Policy {
	p := Policy{
		delays: DefaultDelays,
		sleep:  ctxSleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

// MaxAttempts reports the total attempts the schedule allows.
func (p Policy) MaxAttempts() int {
	return len(p.delays) + 1
}

// schedule walks a fixed delay list, then stops. It satisfies the
// backoff.BackOff contract so exponential policies can be swapped in.
type schedule struct {
	delays []time.Duration
	next   int
}

var _ backoff.BackOff = (*schedule)(nil)

func (s *schedule) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *schedule) Reset() { s.next = 0 }

// Do executes fn, retrying on transient errors per the policy schedule.
// Permanent errors propagate immediately with zero retries. When the
// schedule is exhausted the last error is returned with its category
// preserved, annotated with attempt count and elapsed time.
func Do[T any](ctx context.Context, p Policy, venue, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, errs.New(venue, errs.CodeInvalid, errs.WithMessage("retry: nil operation"))
	}
	if p.sleep == nil {
		p.sleep = ctxSleep
	}
	if p.now == nil {
		p.now = time.Now
	}

	bo := &schedule{delays: p.delays}
	start := p.now()
	attempt := 0
	for {
		attempt++
		out, err := fn(ctx)
		if err == nil {
			observability.Log().Debug("broker call succeeded",
				observability.F("venue", venue),
				observability.F("op", op),
				observability.F("attempt", attempt),
			)
			return out, nil
		}
		if !errs.IsTransient(err) {
			observability.Log().Debug("broker call failed permanently",
				observability.F("venue", venue),
				observability.F("op", op),
				observability.F("attempt", attempt),
				observability.F("error", err),
			)
			return zero, err
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			elapsed := p.now().Sub(start)
			observability.Log().Error("broker call exhausted retries",
				observability.F("venue", venue),
				observability.F("op", op),
				observability.F("attempts", attempt),
				observability.F("elapsed", elapsed),
				observability.F("error", err),
			)
			return zero, errs.Exhausted(err, attempt, elapsed)
		}
		observability.Log().Info("broker call retrying",
			observability.F("venue", venue),
			observability.F("op", op),
			observability.F("attempt", attempt),
			observability.F("delay", delay),
			observability.F("error", err),
		)
		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, errs.New(venue, errs.CodeTimeout,
				errs.WithMessage("retry wait aborted; broker outcome unknown"),
				errs.WithCause(serr),
			)
		}
	}
}
