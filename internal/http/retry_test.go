package http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BackoffBase: time.Millisecond}
}

// scripted returns an Attempt that replays errs in order from a goroutine.
func scripted(errs ...error) (Attempt[string], *int) {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, done func(string, error)) {
		mu.Lock()
		i := calls
		calls++
		mu.Unlock()
		go func() {
			if i < len(errs) && errs[i] != nil {
				done("", errs[i])
				return
			}
			done(fmt.Sprintf("ok-%d", i), nil)
		}()
	}, &calls
}

// TestExecutor_Success verifies basic success case returns on first attempt.
func TestExecutor_Success(t *testing.T) {
	attempt, calls := scripted()
	exec := NewExecutor("probe", fastConfig(3), attempt)

	got, err := exec.Run(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if got != "ok-0" {
		t.Errorf("expected ok-0, got %q", got)
	}
	if *calls != 1 {
		t.Errorf("expected 1 call, got %d", *calls)
	}
}

// TestExecutor_RetriesUntilSuccess verifies server failures are retried.
func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	fail := &storage.ServerError{StatusCode: 503}
	attempt, calls := scripted(fail, fail, fail, fail)

	var delays []time.Duration
	cfg := fastConfig(5)
	cfg.OnRetry = func(attempt int, err error, errType ErrorType, delay time.Duration) {
		delays = append(delays, delay)
	}

	got, err := NewExecutor("complete", cfg, attempt).Run(context.Background())
	if err != nil {
		t.Fatalf("expected success on fifth attempt, got: %v", err)
	}
	if got != "ok-4" || *calls != 5 {
		t.Errorf("got %q after %d calls, want ok-4 after 5", got, *calls)
	}

	want := []time.Duration{1 * time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

// TestExecutor_Exhausted verifies the last failure is wrapped once attempts run out.
func TestExecutor_Exhausted(t *testing.T) {
	fail := &storage.ServerError{StatusCode: 500}
	attempt, calls := scripted(fail, fail, fail)

	_, err := NewExecutor("commit", fastConfig(3), attempt).Run(context.Background())
	if !errors.Is(err, storage.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if storage.StatusCode(err) != 500 {
		t.Errorf("expected last status 500 in chain, got %d", storage.StatusCode(err))
	}
	if *calls != 3 {
		t.Errorf("expected 3 calls, got %d", *calls)
	}
}

// TestExecutor_NetworkErrorNoDelay verifies transport failures retry immediately.
func TestExecutor_NetworkErrorNoDelay(t *testing.T) {
	attempt, _ := scripted(fmt.Errorf("%w: connection reset", storage.ErrTransport))

	var delay time.Duration = -1
	cfg := Config{MaxAttempts: 2, BackoffBase: time.Hour}
	cfg.OnRetry = func(_ int, _ error, errType ErrorType, d time.Duration) {
		if errType != ErrorTypeNetwork {
			t.Errorf("expected network classification, got %s", ErrorTypeName(errType))
		}
		delay = d
	}

	start := time.Now()
	if _, err := NewExecutor("start", cfg, attempt).Run(context.Background()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if delay != 0 {
		t.Errorf("expected zero delay for network error, got %v", delay)
	}
	if time.Since(start) > time.Second {
		t.Error("network retry should not sleep")
	}
}

// TestExecutor_FatalError verifies no retry on malformed payloads.
func TestExecutor_FatalError(t *testing.T) {
	attempt, calls := scripted(fmt.Errorf("encode: %w", storage.ErrMalformedPayload))

	_, err := NewExecutor("complete", fastConfig(5), attempt).Run(context.Background())
	if !errors.Is(err, storage.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("expected 1 call (no retry on fatal), got %d", *calls)
	}
}

// TestExecutor_CancelWhileBlocked verifies Cancel wakes a blocked Run.
func TestExecutor_CancelWhileBlocked(t *testing.T) {
	attemptCtxDone := make(chan struct{})
	exec := NewExecutor("stuck", fastConfig(5), func(ctx context.Context, done func(string, error)) {
		go func() {
			<-ctx.Done()
			close(attemptCtxDone)
		}()
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		exec.Cancel()
	}()

	_, err := exec.Run(context.Background())
	if !errors.Is(err, storage.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	select {
	case <-attemptCtxDone:
	case <-time.After(2 * time.Second):
		t.Error("in-flight attempt context was not cancelled")
	}
}

// TestExecutor_ContextCancelledDuringSleep verifies Run returns quickly when the context is cancelled.
func TestExecutor_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fail := &storage.ServerError{StatusCode: 502}
	attempt, calls := scripted(fail, fail, fail)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := NewExecutor("commit", Config{MaxAttempts: 3, BackoffBase: 5 * time.Second}, attempt).Run(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, storage.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("expected quick return after cancel, took %v", elapsed)
	}
	if *calls != 1 {
		t.Errorf("expected 1 call, got %d", *calls)
	}
}

// TestExecutor_ZeroAttempts verifies the degenerate configuration fails without calling.
func TestExecutor_ZeroAttempts(t *testing.T) {
	attempt, calls := scripted()
	_, err := NewExecutor("noop", fastConfig(0), attempt).Run(context.Background())
	if !errors.Is(err, storage.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if *calls != 0 {
		t.Errorf("expected no calls, got %d", *calls)
	}
}

// TestExecutor_IgnoresSecondSignal verifies a double callback does not confuse the next attempt.
func TestExecutor_IgnoresSecondSignal(t *testing.T) {
	n := 0
	exec := NewExecutor("double", fastConfig(2), func(ctx context.Context, done func(int, error)) {
		n++
		if n == 1 {
			done(0, &storage.ServerError{StatusCode: 500})
			done(99, nil)
			return
		}
		done(n, nil)
	})

	got, err := exec.Run(context.Background())
	if err != nil || got != 2 {
		t.Errorf("Run() = %d, %v; want 2, nil", got, err)
	}
	if exec.Attempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", exec.Attempts())
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeSuccess},
		{"server 503", &storage.ServerError{StatusCode: 503}, ErrorTypeRetryable},
		{"server 400", &storage.ServerError{StatusCode: 400}, ErrorTypeRetryable},
		{"transport", fmt.Errorf("%w: dial tcp", storage.ErrTransport), ErrorTypeNetwork},
		{"raw connection reset", errors.New("read: connection reset by peer"), ErrorTypeNetwork},
		{"malformed", storage.ErrMalformedPayload, ErrorTypeFatal},
		{"cancelled", storage.ErrCancelled, ErrorTypeCancelled},
		{"context cancelled", context.Canceled, ErrorTypeCancelled},
		{"unknown", errors.New("something odd"), ErrorTypeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, ErrorTypeName(got), ErrorTypeName(tt.want))
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		errType ErrorType
		maxDel  time.Duration
		want    time.Duration
	}{
		{0, ErrorTypeRetryable, 0, 1 * time.Second},
		{1, ErrorTypeRetryable, 0, 2 * time.Second},
		{3, ErrorTypeRetryable, 0, 8 * time.Second},
		{3, ErrorTypeRetryable, 5 * time.Second, 5 * time.Second},
		{2, ErrorTypeNetwork, 0, 0},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempt, tt.errType, time.Second, tt.maxDel); got != tt.want {
			t.Errorf("RetryDelay(%d, %s) = %v, want %v", tt.attempt, ErrorTypeName(tt.errType), got, tt.want)
		}
	}
}

func TestCalculateBackoff_Bounds(t *testing.T) {
	if d := CalculateBackoff(0, 100*time.Millisecond, time.Second); d != 0 {
		t.Errorf("attempt 0 should not back off, got %v", d)
	}
	for i := 0; i < 50; i++ {
		d := CalculateBackoff(5, 100*time.Millisecond, time.Second)
		if d < 0 || d >= time.Second {
			t.Fatalf("backoff %v outside [0, 1s)", d)
		}
	}
}
