package lmstudio

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/MrWong99/lmbridge/internal/llm"
)

// Environment knobs for the retry policy.
const (
	envMaxRetries     = "LMS_MAX_RETRIES"
	envRetryBaseDelay = "LMS_RETRY_BASE_DELAY"
	envRetryMaxDelay  = "LMS_RETRY_MAX_DELAY"
)

// retryPolicy controls how transient transport failures are retried.
type retryPolicy struct {
	// maxAttempts is the total number of attempts, including the first.
	maxAttempts int

	// baseDelay is the delay before the second attempt; each further
	// attempt doubles it.
	baseDelay time.Duration

	// maxDelay caps the per-attempt delay.
	maxDelay time.Duration
}

// defaultRetryPolicy returns the policy from the environment, falling back
// to 3 attempts, 1 s base, 10 s cap.
func defaultRetryPolicy() retryPolicy {
	p := retryPolicy{
		maxAttempts: 3,
		baseDelay:   time.Second,
		maxDelay:    10 * time.Second,
	}
	if v, err := strconv.Atoi(os.Getenv(envMaxRetries)); err == nil && v > 0 {
		p.maxAttempts = v
	}
	if v, err := strconv.ParseFloat(os.Getenv(envRetryBaseDelay), 64); err == nil && v > 0 {
		p.baseDelay = time.Duration(v * float64(time.Second))
	}
	if v, err := strconv.ParseFloat(os.Getenv(envRetryMaxDelay), 64); err == nil && v > 0 {
		p.maxDelay = time.Duration(v * float64(time.Second))
	}
	return p
}

// delay returns the jittered backoff before attempt n (n starts at 1 for
// the first retry). Jitter is ±50% of the exponential value.
func (p retryPolicy) delay(n int) time.Duration {
	d := p.baseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.maxDelay {
			d = p.maxDelay
			break
		}
	}
	jittered := time.Duration(float64(d) * (0.5 + rand.Float64()))
	if jittered > p.maxDelay {
		jittered = p.maxDelay
	}
	return jittered
}

// retryable reports whether err is a transient transport failure worth
// retrying: connection-level errors, timeouts, or a 5xx from the runtime.
// Client errors (4xx) and protocol errors are permanent.
func retryable(err error) bool {
	var te *llm.TransportError
	if errors.As(err, &te) {
		if te.Status == 0 {
			return true // connection-level failure
		}
		return te.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// withRetries runs fn under the policy. Context cancellation aborts both
// in-flight attempts (fn receives ctx) and backoff sleeps; either way the
// interruption surfaces as an *llm.TimeoutError carrying the context error.
func withRetries[T any](ctx context.Context, p retryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// A dead parent context means the query itself is over — the
		// attempt failure is just its echo.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, &llm.TimeoutError{Op: op, Err: ctxErr}
		}

		if !retryable(err) || attempt == p.maxAttempts {
			return zero, err
		}

		d := p.delay(attempt)
		slog.Debug("transient runtime failure, backing off",
			"op", op,
			"attempt", attempt,
			"delay", d,
			"err", err,
		)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return zero, &llm.TimeoutError{Op: op, Err: ctx.Err()}
		}
	}
	return zero, lastErr
}
