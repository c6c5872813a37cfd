package signaler

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultMinDelay = 500 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

// Backoff is exponential backoff with jitter. MaxAttempts bounds consecutive
// failed attempts; zero retries forever.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultMinDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	return b
}

// Delay returns the wait before retry number attempt (starting at 0). The
// result lies in [ceil/2, ceil] where ceil doubles from Min up to Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	ceil := b.Min
	for i := 0; i < attempt && ceil < b.Max; i++ {
		ceil *= 2
	}
	if ceil > b.Max {
		ceil = b.Max
	}
	half := ceil / 2
	//nolint:gosec // jitter, not security
	return half + time.Duration(rand.Int63n(int64(ceil-half)+1))
}

// Exhausted reports whether failures consecutive failures exceed the budget.
func (b Backoff) Exhausted(failures int) bool {
	return b.MaxAttempts > 0 && failures >= b.MaxAttempts
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
