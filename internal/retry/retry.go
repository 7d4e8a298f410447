// Package retry applies a bounded exponential-backoff policy to remote
// calls that fail with transient provider errors. Every externally visible
// side effect of the replication workflow (copy start, status check, image
// registration, job notification) goes through the same wrapper so that
// transient provider failures never leak into orchestration logic as
// distinct branches.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/chainguard-dev/clog"
)

// ErrorKind labels a class of transient provider error. Only errors tagged
// with a kind are ever eligible for retry; everything else surfaces to the
// caller immediately.
type ErrorKind string

const (
	// KindServiceFault covers provider-side faults expected to clear
	// without caller action.
	KindServiceFault ErrorKind = "ServiceFault"

	// KindThrottling covers rate-limit rejections.
	KindThrottling ErrorKind = "Throttling"

	// KindTransport covers connection-level failures where no provider
	// response was received.
	KindTransport ErrorKind = "Transport"
)

// TransientError tags an underlying provider error with a retry kind. It
// exists only to decide retry eligibility and is never persisted.
type TransientError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError of the given kind.
func Transient(kind ErrorKind, err error) *TransientError {
	return &TransientError{Kind: kind, Err: err}
}

// Policy configures the backoff applied to one wrapped operation.
type Policy struct {
	// Retryable lists the error kinds eligible for retry.
	Retryable []ErrorKind

	// InitialInterval is the wait before the second attempt.
	InitialInterval time.Duration

	// BackoffRate multiplies the wait after every failed attempt.
	BackoffRate float64

	// MaxAttempts bounds the total number of attempts, the first included.
	MaxAttempts int
}

// DefaultPolicy is applied identically to every step of the replication
// workflow: waits of 2, 4, 8, 16 and 32 seconds between six total attempts.
var DefaultPolicy = Policy{
	Retryable:       []ErrorKind{KindServiceFault, KindThrottling, KindTransport},
	InitialInterval: 2 * time.Second,
	BackoffRate:     2,
	MaxAttempts:     6,
}

func (p Policy) retryable(kind ErrorKind) bool {
	return slices.Contains(p.Retryable, kind)
}

// wait returns the backoff after the given failed attempt (1-based).
func (p Policy) wait(attempt int) time.Duration {
	return time.Duration(float64(p.InitialInterval) * math.Pow(p.BackoffRate, float64(attempt-1)))
}

// sleep waits out a backoff interval, honoring context cancellation. It is
// a package variable so tests can observe requested waits without sleeping.
var sleep = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do invokes op under the policy. A TransientError with a retryable kind is
// retried after the policy's backoff; when attempts are exhausted the last
// error is returned unchanged. Any other error returns immediately, without
// waiting. The name identifies the operation in logs only.
func Do(ctx context.Context, p Policy, name string, op func(context.Context) error) error {
	log := clog.FromContext(ctx)

	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var terr *TransientError
		if !errors.As(err, &terr) || !p.retryable(terr.Kind) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.wait(attempt)
		log.Debug("transient failure, backing off",
			"op", name,
			"kind", terr.Kind,
			"attempt", attempt,
			"wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	log.Warn("retries exhausted", "op", name, "attempts", p.MaxAttempts)
	return lastErr
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, name string, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, name, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
