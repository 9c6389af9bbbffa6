package syncer

import (
	"context"
	"math/rand"
	"time"

	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
)

// maxAttempts is the per-step retry budget: the first attempt plus two
// retries. Exhausting it aborts the whole run.
const maxAttempts = 3

// retryStep runs one network step, retrying the same step on transient
// errors with exponential backoff and jitter. Non-transient errors
// return immediately with their classification intact.
func retryStep(ctx context.Context, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errcodes.IsTransient(err) || attempt == maxAttempts {
			return err
		}

		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay/4) + 1))
		}

		select {
		case <-ctx.Done():
			return errcodes.Canceled()
		case <-time.After(delay):
		}
	}
	return err
}
