package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/tradebridge/bridge"
)

func newPool(t *testing.T) *bridge.Pool {
	t.Helper()
	p := bridge.New(2)
	t.Cleanup(p.Close)
	return p
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, Backoff(base, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(base, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(base, 2))
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	var calls atomic.Int32
	v, err := Do(context.Background(), newPool(t), func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RecoversAfterFailures(t *testing.T) {
	var calls atomic.Int32
	v, err := Do(context.Background(), newPool(t), func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("transient")
		}
		return 9, nil
	}, BaseDelay(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 9, v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_RecoversAfterDefaultBackoff(t *testing.T) {
	var calls atomic.Int32

	start := time.Now()
	v, err := Do(context.Background(), newPool(t), func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("no connection")
		}
		return "filled", nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "filled", v)
	assert.Equal(t, int32(3), calls.Load())
	// waited 100ms after the first failure and 200ms after the second
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 700*time.Millisecond)
}

func TestDo_ExhaustsWithLastErrorAndTiming(t *testing.T) {
	sentinel := errors.New("terminal busy")
	var calls atomic.Int32

	start := time.Now()
	_, err := Do(context.Background(), newPool(t), func(context.Context) (int, error) {
		n := calls.Add(1)
		return 0, fmt.Errorf("attempt %d: %w", n, sentinel)
	}, Name("positions_get"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	// 100ms + 200ms of backoff, none after the final attempt
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 700*time.Millisecond)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.Attempts)
	assert.Equal(t, "positions_get", rerr.Op)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestDo_MaxAttemptsOption(t *testing.T) {
	var calls atomic.Int32
	_, err := Do(context.Background(), newPool(t), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("nope")
	}, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.Options()...)
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load())
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	_, err := Do(ctx, newPool(t), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("down")
	}, BaseDelay(time.Second))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPolicy_ZeroKeepsDefaults(t *testing.T) {
	assert.Empty(t, Policy{}.Options())
	assert.Len(t, Policy{MaxAttempts: 2, BaseDelay: time.Second}.Options(), 2)
}
