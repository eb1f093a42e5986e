package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

var (
	errTransient = domain.NewError(domain.CodeNetworkUnreachable, domain.Retryable, "connection refused", nil)
	errTerminal  = domain.NewError(domain.CodeProviderRejected, domain.Terminal, "unauthorized", nil)
)

func newTestExecutor(policy Policy) (*Executor, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC))
	return NewExecutor(policy, WithClock(clk)), clk
}

func TestExecute_SucceedsAfterRetryableFailures(t *testing.T) {
	exec, clk := newTestExecutor(DefaultPolicy())

	calls := 0
	out, err := Execute(context.Background(), exec, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", errTransient
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Value != "ok" {
		t.Errorf("Value = %q, want ok", out.Value)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if out.TotalDelay != 3*time.Second {
		t.Errorf("TotalDelay = %v, want 3s", out.TotalDelay)
	}
	waits := clk.Waits()
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits = %v, want [1s 2s]", waits)
	}
}

func TestExecute_TerminalFailureStopsImmediately(t *testing.T) {
	exec, clk := newTestExecutor(Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2})

	out, err := Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		return 0, errTerminal
	})

	if !errors.Is(err, errTerminal) {
		t.Fatalf("err = %v, want %v", err, errTerminal)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if out.TotalDelay != 0 {
		t.Errorf("TotalDelay = %v, want 0", out.TotalDelay)
	}
	if len(clk.Waits()) != 0 {
		t.Errorf("expected no backoff sleeps, got %v", clk.Waits())
	}
}

func TestExecute_ReturnsLastFailureAfterExhaustion(t *testing.T) {
	exec, clk := newTestExecutor(Policy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2})

	calls := 0
	out, err := Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		calls++
		return 0, domain.NewError(domain.CodeTimeout, domain.Retryable, "attempt failed", errors.New(string(rune('0'+calls))))
	})

	if err == nil {
		t.Fatal("expected error")
	}
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Err.Error() != "3" {
		t.Errorf("expected the third failure to be returned, got %v", err)
	}
	if out.Attempts != 3 || calls != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3", out.Attempts, calls)
	}
	if len(clk.Waits()) != 2 {
		t.Errorf("waits = %v, want 2 sleeps", clk.Waits())
	}
}

func TestExecute_ZeroRetries(t *testing.T) {
	exec, _ := newTestExecutor(Policy{MaxRetries: 0, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2})

	out, err := Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want %v", err, errTransient)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
}

func TestExecute_DelaysCapAtMaxDelay(t *testing.T) {
	exec, clk := newTestExecutor(Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2})

	_, _ = Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	got := clk.Waits()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExecute_StopsWhenContextCanceled(t *testing.T) {
	exec, _ := newTestExecutor(DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())

	out, err := Execute(ctx, exec, func(ctx context.Context) (int, error) {
		cancel()
		return 0, errTransient
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
}

func TestExecute_NotifyCalledBeforeEachSleep(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	var notified []int
	exec := NewExecutor(DefaultPolicy(), WithClock(clk), WithNotify(func(attempt int, err error, delay time.Duration) {
		notified = append(notified, attempt)
	}))

	_, _ = Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	if len(notified) != 3 || notified[0] != 1 || notified[2] != 3 {
		t.Errorf("notified = %v, want [1 2 3]", notified)
	}
}

func TestExecute_ConcurrentCallsAreIndependent(t *testing.T) {
	exec := NewExecutor(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})

	var wg sync.WaitGroup
	var total atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(failures int) {
			defer wg.Done()
			calls := 0
			out, err := Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
				calls++
				if calls <= failures {
					return 0, errTransient
				}
				return calls, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if out.Attempts != failures+1 {
				t.Errorf("Attempts = %d, want %d", out.Attempts, failures+1)
			}
			total.Add(int64(out.Attempts))
		}(i % 4)
	}
	wg.Wait()

	// 5 goroutines each for 0..3 failures: 5*(1+2+3+4)
	if total.Load() != 50 {
		t.Errorf("total attempts = %d, want 50", total.Load())
	}
}

type floodError struct {
	wait time.Duration
}

func (e *floodError) Error() string                         { return "too many requests" }
func (e *floodError) Classification() domain.Classification { return domain.Retryable }
func (e *floodError) RetryDelay() time.Duration             { return e.wait }

func TestExecute_WaitsAtLeastTheHintedDelay(t *testing.T) {
	exec, clk := newTestExecutor(DefaultPolicy())

	calls := 0
	out, err := Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		calls++
		switch calls {
		case 1:
			return 0, &floodError{wait: 5 * time.Second}
		case 2:
			return 0, &floodError{wait: 100 * time.Millisecond}
		default:
			return calls, nil
		}
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	// A hint above the policy delay wins; a shorter one does not shorten it.
	waits := clk.Waits()
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits = %v, want [5s 2s]", waits)
	}
}

func TestExecute_HintBeyondMaxDelayStopsRetrying(t *testing.T) {
	exec, clk := newTestExecutor(DefaultPolicy())

	calls := 0
	out, err := Execute(context.Background(), exec, func(ctx context.Context) (int, error) {
		calls++
		return 0, &floodError{wait: time.Minute}
	})

	var flood *floodError
	if !errors.As(err, &flood) {
		t.Fatalf("err = %v, want the flood error", err)
	}
	if out.Attempts != 1 || calls != 1 {
		t.Errorf("Attempts = %d, calls = %d, want 1", out.Attempts, calls)
	}
	if len(clk.Waits()) != 0 {
		t.Errorf("expected no sleeps, got %v", clk.Waits())
	}
}
