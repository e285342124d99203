package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

// Retry executes callables with exponential backoff on classified transient
// failures. Non-retryable failures surface immediately. The executor itself
// holds no state.
type Retry struct {
	policy domain.RetryPolicy
	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetry constructs a retry executor with the given policy.
func NewRetry(policy domain.RetryPolicy) *Retry {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = domain.DefaultRetryPolicy().MaxAttempts
	}
	return &Retry{policy: policy, sleep: sleepCtx}
}

// Do invokes fn up to MaxAttempts times. The delay before attempt i+1 is
// min(base·2^i, max), plus up to one second of jitter when enabled. The task
// idempotency flag feeds the WorkerLost retry classification.
func (r *Retry) Do(ctx context.Context, taskIdempotent bool, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.BaseDelay
	bo.MaxInterval = r.policy.MaxDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0 // jitter is additive, applied below
	bo.MaxElapsedTime = 0
	bo.Reset()

	var err error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.Retryable(err, taskIdempotent) {
			return err
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
		if r.policy.Jitter {
			delay += time.Duration(rand.Int63n(int64(time.Second)))
		}
		slog.Debug("retrying after transient failure",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
