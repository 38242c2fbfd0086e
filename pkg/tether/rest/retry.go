package rest

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Retry policy defaults. Reads tolerate more attempts than mutations
// because replaying a mutation is only safe when the caller made it
// idempotent.
const (
	DefaultMaxRetries  = 3
	MutationMaxRetries = 1
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxJitter   = 1 * time.Second
)

// RetryPolicy controls how failed attempts are spaced. The delay before
// retry n is min(MaxDelay, BaseDelay*2^n + jitter), with jitter drawn
// uniformly from [0, MaxJitter).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration

	rand *rand.Rand
}

// DefaultRetryPolicy is the read-path policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxJitter:  DefaultMaxJitter,
	}
}

// MutationRetryPolicy is the tighter write-path policy.
func MutationRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = MutationMaxRetries
	return p
}

// Delay computes the wait before retry attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	if p.MaxJitter > 0 {
		if p.rand != nil {
			backoff += time.Duration(p.rand.Int63n(int64(p.MaxJitter)))
		} else {
			backoff += time.Duration(rand.Int63n(int64(p.MaxJitter)))
		}
	}
	if backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	return backoff
}

// sleep waits for d or until the context is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
