package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("store down")
		})
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("ErrCircuitOpen should be transient")
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})
	failN(cb, 2)
	if n := cb.Snapshot().Failures; n != 2 {
		t.Fatalf("expected 2 failures, got %d", n)
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if snap := cb.Snapshot(); snap.Failures != 0 || snap.State != CircuitClosed {
		t.Errorf("expected reset counters, got %d %s", snap.Failures, snap.State)
	}
}

func TestCircuitBreaker_SnapshotOpenedAt(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	opened := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return opened }
	failN(cb, 2)

	snap := cb.Snapshot()
	if snap.State != CircuitOpen || !snap.OpenedAt.Equal(opened) || snap.Failures != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 100 * time.Millisecond})
	now := time.Now()
	cb.now = func() time.Time { return now }
	failN(cb, 1)

	cb.now = func() time.Time { return now.Add(200 * time.Millisecond) }
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 100 * time.Millisecond})
	now := time.Now()
	cb.now = func() time.Time { return now }
	failN(cb, 1)

	now = now.Add(200 * time.Millisecond)
	failN(cb, 1)
	if s := cb.Snapshot().State; s != CircuitOpen {
		t.Errorf("expected open, got %s", s)
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ShouldTrip: IsTransient})
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("merge failed")
	})
	if cb.State() != CircuitClosed {
		t.Errorf("non-transient error should not trip, got %s", cb.State())
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error {
		return context.DeadlineExceeded
	})
	if cb.State() != CircuitOpen {
		t.Errorf("timeout should trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_ResetAndStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	failN(cb, 1)
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	if len(transitions) != 2 || transitions[0] != "closed->open" || transitions[1] != "open->closed" {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("ExecuteVal = %d, %v", v, err)
	}
	failN(cb, 1)
	v, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	if !errors.Is(err, ErrCircuitOpen) || v != 0 {
		t.Errorf("expected open circuit, got %d, %v", v, err)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
			_ = cb.State()
		}(i)
	}
	wg.Wait()
}

func TestCircuitState_String(t *testing.T) {
	for s, want := range map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
