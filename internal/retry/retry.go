// Package retry drives operations against remote peers and the authority
// with exponential backoff.
//
// Each attempt reports a tagged Result. Only Retryable results are tried
// again; a Fatal result, such as a permission failure, stops the loop at
// once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/replica/internal/metrics"
	"github.com/roach88/replica/internal/syncerr"
)

type kind int

const (
	kindOk kind = iota
	kindRetryable
	kindFatal
)

// Result is the outcome of one attempt.
type Result[T any] struct {
	Value T
	Err   error
	kind  kind
}

// Ok reports success.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Retryable reports a failure worth another attempt.
func Retryable[T any](err error) Result[T] { return Result[T]{Err: err, kind: kindRetryable} }

// Fatal reports a failure that no further attempt can fix.
func Fatal[T any](err error) Result[T] { return Result[T]{Err: err, kind: kindFatal} }

// IsOk reports whether the attempt succeeded.
func (r Result[T]) IsOk() bool { return r.kind == kindOk }

// IsFatal reports whether the loop must stop.
func (r Result[T]) IsFatal() bool { return r.kind == kindFatal }

// Classify turns a conventional (value, error) pair into a Result. Protocol
// errors and untyped errors are retryable; permission, corruption,
// invariant and epoch errors are fatal.
func Classify[T any](v T, err error) Result[T] {
	if err == nil {
		return Ok(v)
	}
	switch syncerr.CodeOf(err) {
	case syncerr.CodePermission, syncerr.CodeCorruption, syncerr.CodeInvariant, syncerr.CodeEpochMismatch:
		return Fatal[T](err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal[T](err)
	}
	return Retryable[T](err)
}

// Backoff bounds a retry loop. The first retry waits MinDelay, every
// further one doubles the wait up to MaxDelay, and after MaxAttempts
// attempts the last error is returned.
type Backoff struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Op labels log lines and the retry counter.
	Op      string
	Metrics *metrics.Metrics

	sleep func(context.Context, time.Duration) error
}

// DefaultBackoff is used when no configuration overrides it.
func DefaultBackoff(op string) Backoff {
	return Backoff{MinDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 6, Op: op}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs task until it succeeds, fails fatally, runs out of attempts or
// ctx is done. attempt starts at 0.
func Do[T any](ctx context.Context, b Backoff, task func(ctx context.Context, attempt int) Result[T]) (T, error) {
	var zero T
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}
	if b.MaxDelay < b.MinDelay {
		b.MaxDelay = b.MinDelay
	}
	if b.Metrics == nil {
		b.Metrics = metrics.Nop()
	}
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := b.MinDelay
	var last error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if attempt > 0 {
			b.Metrics.RetryAttempts.WithLabelValues(b.Op).Inc()
			slog.Debug("retrying", "op", b.Op, "attempt", attempt, "delay", delay, "error", last)
			if err := sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("%s: %w", b.Op, errors.Join(err, last))
			}
			delay = min(delay*2, b.MaxDelay)
		}
		res := task(ctx, attempt)
		switch res.kind {
		case kindOk:
			return res.Value, nil
		case kindFatal:
			return zero, fmt.Errorf("%s: %w", b.Op, res.Err)
		}
		last = res.Err
	}
	slog.Warn("giving up", "op", b.Op, "attempts", b.MaxAttempts, "error", last)
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", b.Op, b.MaxAttempts, last)
}
