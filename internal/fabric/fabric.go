// Package fabric provides the generic timeout, retry, safe-wrap, and circuit
// breaker primitives that every browser-side operation in the gateway is
// wrapped in. It is the only place in the codebase that manipulates
// cancellation and backoff; callers compose these primitives rather than
// inventing their own timers.
package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/types"
)

// Operation is a unit of work that can be canceled via ctx. Operations are
// expected to check ctx.Done() cooperatively; WithTimeout cannot forcibly
// kill a goroutine that ignores its context.
type Operation func(ctx context.Context) (any, error)

// WithTimeout races op against a deadline of d, returning TIMEOUT(label) if
// the deadline elapses first. The operation goroutine is not killed on
// timeout - it is abandoned and its eventual result discarded. Callers must
// ensure op itself respects ctx cancellation to avoid leaking work.
func WithTimeout(ctx context.Context, d time.Duration, label string, op Operation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)

	go func() {
		val, err := op(ctx)
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		log.Warn().Str("label", label).Dur("timeout", d).Msg("operation timed out")
		return nil, fmt.Errorf("%w: %s", types.ErrOpTimeout, label)
	}
}

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	Retries int           // number of attempts, must be >= 1
	Backoff time.Duration // base delay; delay before attempt i (0-based) is Backoff * 2^i
	Timeout time.Duration // per-attempt timeout passed to WithTimeout
	Label   string        // used in timeout/log messages
}

// WithRetry attempts op up to policy.Retries times, each wrapped in
// WithTimeout(policy.Timeout). The first attempt runs without delay; before
// attempt i (0-based, i >= 1) it waits policy.Backoff * 2^i, so delays are
// non-decreasing across attempts. On
// terminal failure it returns RETRY_EXHAUSTED wrapping the last error.
func WithRetry(ctx context.Context, policy RetryPolicy, op Operation) (any, error) {
	retries := policy.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			delay := policy.Backoff * time.Duration(1<<uint(i))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %v", types.ErrRetryExhausted, policy.Label, ctx.Err())
			}
		}

		val, err := WithTimeout(ctx, policy.Timeout, policy.Label, op)
		if err == nil {
			return val, nil
		}
		lastErr = err

		log.Debug().
			Str("label", policy.Label).
			Int("attempt", i+1).
			Int("max_attempts", retries).
			Err(err).
			Msg("operation attempt failed, will retry if attempts remain")
	}

	return nil, fmt.Errorf("%w: %s: %v", types.ErrRetryExhausted, policy.Label, lastErr)
}

// Safe executes op and returns its result. On failure or panic it invokes
// onError (if non-nil) and returns fallback instead of propagating - Safe
// never returns an error to its caller.
func Safe[T any](op func() (T, error), fallback T, onError func(error)) (result T) {
	var opErr error
	defer func() {
		if p := recover(); p != nil {
			opErr = fmt.Errorf("panic: %v", p)
		}
		if opErr != nil {
			if onError != nil {
				onError(opErr)
			}
			result = fallback
		}
	}()

	val, err := op()
	if err != nil {
		opErr = err
		return fallback
	}
	return val
}

// BreakerState is a point-in-time snapshot of a CircuitBreaker.
type BreakerState struct {
	IsOpen      bool
	Failures    int
	LastFailure time.Time
}

// CircuitBreaker is a stateful wrapper with states {Closed, Open}. It starts
// Closed. Each failure increments a counter; when the counter reaches
// threshold the breaker opens. While open, Allow reports false until
// resetAfter has elapsed since the last failure, at which point the next
// call is let through and the counter is reset eagerly on success
// (half-open behavior is collapsed into "reset eagerly on elapse").
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	resetAfter  time.Duration
	failures    int
	lastFailure time.Time
	open        bool
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and permits a trial call again resetAfter past the last failure.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
	}
}

// Allow reports whether a call may proceed. When the breaker is open but
// resetAfter has elapsed since the last failure, it returns true for every
// caller until a new failure is recorded, so concurrent callers may all pass
// as trial calls; RecordFailure/RecordSuccess determine whether the breaker
// re-opens or closes based on the trials' outcomes.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}

	if time.Since(cb.lastFailure) > cb.resetAfter {
		return true
	}

	return false
}

// Execute runs op if the breaker allows it, recording the outcome. If the
// breaker is open and not yet eligible for a trial call, it fails fast with
// CIRCUIT_OPEN without invoking op.
func (cb *CircuitBreaker) Execute(op Operation, ctx context.Context) (any, error) {
	if !cb.Allow() {
		return nil, types.ErrCircuitOpen
	}

	val, err := op(ctx)
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}
	cb.RecordSuccess()
	return val, nil
}

// RecordFailure increments the failure counter and records the failure
// timestamp, opening the breaker once the counter reaches the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.threshold {
		if !cb.open {
			log.Warn().
				Int("failures", cb.failures).
				Int("threshold", cb.threshold).
				Msg("circuit breaker opened")
		}
		cb.open = true
	}
}

// RecordSuccess resets the counter to 0 and closes the breaker. A success in
// Closed state is a no-op beyond resetting the counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.open {
		log.Info().Msg("circuit breaker reset to closed after successful trial call")
	}
	cb.failures = 0
	cb.open = false
}

// State returns a snapshot of the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerState{
		IsOpen:      cb.open,
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}
