package http

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
)

// ErrorType represents different classes of errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeNetwork indicates the request got no HTTP response (timeouts, connection refused, etc.)
	ErrorTypeNetwork
	// ErrorTypeRetryable indicates an HTTP response other than the expected success
	ErrorTypeRetryable
	// ErrorTypeFatal indicates errors that can never succeed on retry (unserializable payload)
	ErrorTypeFatal
	// ErrorTypeCancelled indicates the caller gave up
	ErrorTypeCancelled
)

// Config holds retry parameters for an Executor
type Config struct {
	// MaxAttempts is the total number of attempts, including the first (default: 5)
	MaxAttempts int
	// BackoffBase is the unit of the 2^attempt delay after a server failure (default: 1s)
	BackoffBase time.Duration
	// MaxDelay caps a single delay; zero means uncapped
	MaxDelay time.Duration
	// OnRetry is an optional callback invoked before each retry attempt
	OnRetry func(attempt int, err error, errorType ErrorType, delay time.Duration)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts: constants.MaxRetries,
		BackoffBase: constants.RetryBackoffBase,
	}
}

// ClassifyError determines the error type for retry strategy.
// Any HTTP response that isn't the expected success is retryable; the ingest
// service reports transient overload with a variety of status codes.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}
	if errors.Is(err, storage.ErrCancelled) || errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, storage.ErrMalformedPayload) {
		return ErrorTypeFatal
	}
	if storage.IsServerError(err) {
		return ErrorTypeRetryable
	}
	if storage.IsTransportError(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeNetwork
	}
	return ErrorTypeRetryable
}

// RetryDelay returns the pause before the attempt following attempt (0-based).
// Network failures retry immediately; server failures back off exponentially.
func RetryDelay(attempt int, errType ErrorType, base, maxDelay time.Duration) time.Duration {
	if errType != ErrorTypeRetryable || base <= 0 || attempt < 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// CalculateBackoff returns exponential backoff duration with full jitter
// Full jitter prevents thundering herd problem when many clients retry simultaneously
//
// Formula: random(0, min(maxDelay, initialDelay * 2^attempt))
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}

	// Exponential: 2^attempt * initialDelay
	base := time.Duration(1<<uint(attempt)) * initialDelay

	// Cap at maxDelay
	if base > maxDelay {
		base = maxDelay
	}
	if base <= 0 {
		return 0
	}

	// Full jitter: random value between 0 and base
	// This spreads out retry attempts to avoid synchronized retries
	return time.Duration(rand.Int63n(int64(base)))
}

// Attempt starts one asynchronous try. It must call done exactly once, from any
// goroutine; a nil error means success. Extra calls are ignored.
type Attempt[T any] func(ctx context.Context, done func(T, error))

type attemptResult[T any] struct {
	value T
	err   error
}

// Executor runs an asynchronous Attempt up to Config.MaxAttempts times and
// blocks the caller until one succeeds, all fail, or it is cancelled.
type Executor[T any] struct {
	label   string
	config  Config
	attempt Attempt[T]

	mu        sync.Mutex
	attempts  int
	cancelled bool
	cancelCh  chan struct{}
}

// NewExecutor creates an Executor. label names the operation in errors and logs.
func NewExecutor[T any](label string, config Config, attempt Attempt[T]) *Executor[T] {
	return &Executor[T]{
		label:    label,
		config:   config,
		attempt:  attempt,
		cancelCh: make(chan struct{}),
	}
}

// Run executes attempts until success and returns the first successful value.
//
// Retry strategy:
//   - Server failures: sleep BackoffBase * 2^attempt, then retry
//   - Network failures: retry immediately
//   - Fatal errors and cancellation: return immediately
//
// No delay follows the final attempt. When every attempt fails the error wraps
// storage.ErrRetriesExhausted and the last failure.
func (e *Executor[T]) Run(ctx context.Context) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		if err := e.checkCancelled(ctx); err != nil {
			return zero, err
		}

		e.mu.Lock()
		e.attempts++
		e.mu.Unlock()

		attemptCtx, cancel := context.WithCancel(ctx)
		results := make(chan attemptResult[T], 1)
		e.attempt(attemptCtx, func(value T, err error) {
			select {
			case results <- attemptResult[T]{value: value, err: err}:
			default:
			}
		})

		var result attemptResult[T]
		select {
		case result = <-results:
		case <-e.cancelCh:
			cancel()
			return zero, fmt.Errorf("%s: %w", e.label, storage.ErrCancelled)
		case <-ctx.Done():
			cancel()
			return zero, fmt.Errorf("%s: %w: %v", e.label, storage.ErrCancelled, ctx.Err())
		}
		cancel()

		if result.err == nil {
			return result.value, nil
		}
		lastErr = result.err

		errType := ClassifyError(result.err)
		switch errType {
		case ErrorTypeFatal:
			return zero, fmt.Errorf("%s: %w", e.label, result.err)
		case ErrorTypeCancelled:
			return zero, fmt.Errorf("%s: %w", e.label, storage.ErrCancelled)
		}

		if attempt == e.config.MaxAttempts-1 {
			break
		}

		delay := RetryDelay(attempt, errType, e.config.BackoffBase, e.config.MaxDelay)
		if e.config.OnRetry != nil {
			e.config.OnRetry(attempt+1, result.err, errType, delay)
		}
		if !e.sleep(ctx, delay) {
			return zero, fmt.Errorf("%s: %w", e.label, storage.ErrCancelled)
		}
	}

	if lastErr == nil {
		return zero, fmt.Errorf("%s: %w: no attempts allowed", e.label, storage.ErrRetriesExhausted)
	}
	return zero, fmt.Errorf("%s: %w after %d attempts: %w", e.label, storage.ErrRetriesExhausted, e.config.MaxAttempts, lastErr)
}

// Cancel wakes a blocked Run, which then returns storage.ErrCancelled.
func (e *Executor[T]) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cancelled {
		e.cancelled = true
		close(e.cancelCh)
	}
}

// Attempts returns how many attempts have been started.
func (e *Executor[T]) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

func (e *Executor[T]) checkCancelled(ctx context.Context) error {
	e.mu.Lock()
	cancelled := e.cancelled
	e.mu.Unlock()
	if cancelled {
		return fmt.Errorf("%s: %w", e.label, storage.ErrCancelled)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w: %v", e.label, storage.ErrCancelled, ctx.Err())
	}
	return nil
}

// sleep waits for d, returning false if cancelled first.
func (e *Executor[T]) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-e.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// ErrorTypeName returns a human-readable name for an ErrorType
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	case ErrorTypeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
