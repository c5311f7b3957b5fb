package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delays(b *Backoff, err error) []time.Duration {
	var out []time.Duration
	for attempt := 0; ; attempt++ {
		d, ok := b.NextDelay(attempt, err)
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

func TestBackoffGrowsToMax(t *testing.T) {
	b := &Backoff{
		Initial:    100 * time.Millisecond,
		Max:        350 * time.Millisecond,
		Multiplier: 2,
		Attempts:   4,
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}, delays(b, errors.New("connection reset")))
}

func TestBackoffWaitsLongerWhenThrottled(t *testing.T) {
	b := &Backoff{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
		Throttled:  3,
		Attempts:   2,
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		delays(b, errors.New("connection reset")))
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond},
		delays(b, errors.New("resource exhausted: write quota")))
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond},
		delays(b, fmt.Errorf("put: %w", context.DeadlineExceeded)))
}

func TestBackoffStopsOnPermanentErrors(t *testing.T) {
	b := ConstantBackoff(time.Millisecond, 0)
	for _, err := range []error{
		ErrPayloadTooLarge,
		fmt.Errorf("sync: %w", ErrUnavailable),
		ErrClosed,
		context.Canceled,
	} {
		_, ok := b.NextDelay(0, err)
		assert.False(t, ok, err.Error())
	}

	_, ok := b.NextDelay(1000, errors.New("connection reset"))
	assert.True(t, ok, "zero attempts retries forever")
}

func TestDefaultBackoffJitterStaysInRange(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d, ok := b.NextDelay(0, errors.New("connection reset"))
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
	_, ok := b.NextDelay(b.Attempts, errors.New("connection reset"))
	assert.False(t, ok)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	err := Retry(ctx, ConstantBackoff(time.Millisecond, 5), func(context.Context) error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, ConstantBackoff(time.Millisecond, 2), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(ctx, ConstantBackoff(time.Millisecond, 5), func(context.Context) error {
		calls++
		return ErrPayloadTooLarge
	})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, ConstantBackoff(time.Hour, 0), func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
