package remote

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retryer paces repeated attempts at a remote call or a relay reconnect.
type Retryer interface {
	// NextDelay returns how long to wait before retry number attempt
	// (0-based) after lastErr, and false when the call should not be retried.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// Permanent reports errors no retry can fix: the store refused the document
// for its size, or there is no store to talk to.
func Permanent(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// Backoff doubles (by Multiplier) its delay on every attempt up to Max.
// Quota and timeout failures wait Throttled times longer, since they only
// clear once the remote side has caught up. Permanent errors are never
// retried.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Throttled scales the delay after IsQuotaOrTimeout errors. Values
	// below 1 are ignored.
	Throttled float64
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
	// Attempts caps the retries. Zero retries until the context ends.
	Attempts int
}

// DefaultBackoff paces entity resyncs.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Throttled:  3,
		Jitter:     0.2,
		Attempts:   4,
	}
}

// ConstantBackoff waits d between attempts, quota failures included.
func ConstantBackoff(d time.Duration, attempts int) *Backoff {
	return &Backoff{Initial: d, Max: d, Multiplier: 1, Attempts: attempts}
}

func (b *Backoff) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if Permanent(lastErr) {
		return 0, false
	}
	if b.Attempts > 0 && attempt >= b.Attempts {
		return 0, false
	}

	delay := float64(b.Initial)
	for i := 0; i < attempt && delay < float64(b.Max); i++ {
		delay *= b.Multiplier
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Throttled > 1 && IsQuotaOrTimeout(lastErr) {
		delay *= b.Throttled
	}
	if b.Jitter > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay), true
}

// Retry calls fn until it succeeds, r gives up or ctx ends, and returns the
// last error.
func Retry(ctx context.Context, r Retryer, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
