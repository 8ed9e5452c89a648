package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/syncerr"
)

func recorder(b *Backoff) *[]time.Duration {
	var delays []time.Duration
	b.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return &delays
}

func TestDo_DoublesUpToMax(t *testing.T) {
	m := metrics.Nop()
	b := Backoff{MinDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 5, Op: "pull", Metrics: m}
	delays := recorder(&b)
	boom := errors.New("unreachable")

	_, err := Do(context.Background(), b, func(context.Context, int) Result[int] {
		return Retryable[int](boom)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}, *delays)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RetryAttempts.WithLabelValues("pull")))
}

func TestDo_ReturnsFirstSuccess(t *testing.T) {
	b := Backoff{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 5}
	recorder(&b)

	v, err := Do(context.Background(), b, func(_ context.Context, attempt int) Result[string] {
		if attempt < 2 {
			return Retryable[string](errors.New("busy"))
		}
		return Ok("done")
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	b := Backoff{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 5}
	delays := recorder(&b)
	calls := 0

	_, err := Do(context.Background(), b, func(context.Context, int) Result[int] {
		calls++
		return Classify(0, syncerr.New(syncerr.CodePermission, "denied"))
	})
	require.Error(t, err)
	assert.True(t, syncerr.IsPermission(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 5}
	recorder(&b)
	calls := 0

	_, err := Do(ctx, b, func(context.Context, int) Result[int] {
		calls++
		cancel()
		return Retryable[int](errors.New("timeout"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		ok    bool
		fatal bool
	}{
		{"nil", nil, true, false},
		{"plain", errors.New("io"), false, false},
		{"protocol", syncerr.New(syncerr.CodeProtocol, "bad"), false, false},
		{"permission", syncerr.New(syncerr.CodePermission, "no"), false, true},
		{"corruption", syncerr.New(syncerr.CodeCorruption, "disk"), false, true},
		{"epoch", syncerr.New(syncerr.CodeEpochMismatch, "barrier"), false, true},
		{"canceled", context.Canceled, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(1, tt.err)
			assert.Equal(t, tt.ok, r.IsOk())
			assert.Equal(t, tt.fatal, r.IsFatal())
		})
	}
}
