package eventstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/resilience"
)

// Guard wraps a Store so that every call runs under a per-operation timeout
// and a circuit breaker, and transient failures surface as
// *resilience.TransientError. It adds no retries of its own.
type Guard struct {
	inner   Store
	timeout time.Duration
	cb      *resilience.CircuitBreaker
}

var _ Store = (*Guard)(nil)

// NewGuard wraps inner. A zero timeout disables the per-call deadline.
func NewGuard(inner Store, timeout time.Duration, cbCfg resilience.CircuitBreakerConfig) *Guard {
	if cbCfg.ShouldTrip == nil {
		cbCfg.ShouldTrip = resilience.IsTransient
	}
	if cbCfg.OnStateChange == nil {
		cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("store circuit state changed",
				zap.String("component", "eventstore"),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
	}
	return &Guard{
		inner:   inner,
		timeout: timeout,
		cb:      resilience.NewCircuitBreaker(cbCfg),
	}
}

// Inner returns the wrapped store.
func (g *Guard) Inner() Store { return g.inner }

// Breaker exposes the circuit breaker for health reporting.
func (g *Guard) Breaker() *resilience.CircuitBreaker { return g.cb }

func guarded[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	v, err := resilience.ExecuteVal(ctx, g.cb, fn)
	var te *resilience.TransientError
	if err != nil && !errors.As(err, &te) && resilience.IsTransient(err) {
		err = resilience.NewTransientError(err, "eventstore: "+op)
	}
	return v, err
}

func (g *Guard) PutIfAbsent(ctx context.Context, item Item) (bool, error) {
	return guarded(ctx, g, "put", func(ctx context.Context) (bool, error) {
		return g.inner.PutIfAbsent(ctx, item)
	})
}

func (g *Guard) Get(ctx context.Context, pk, sk string, opts ...ReadOption) (*Item, error) {
	return guarded(ctx, g, "get", func(ctx context.Context) (*Item, error) {
		return g.inner.Get(ctx, pk, sk, opts...)
	})
}

func (g *Guard) Query(ctx context.Context, pk string, opts ...ReadOption) ([]Item, error) {
	return guarded(ctx, g, "query", func(ctx context.Context) ([]Item, error) {
		return g.inner.Query(ctx, pk, opts...)
	})
}

func (g *Guard) UpdateStatus(ctx context.Context, pk, sk, from, to string) (bool, error) {
	return guarded(ctx, g, "update status", func(ctx context.Context) (bool, error) {
		return g.inner.UpdateStatus(ctx, pk, sk, from, to)
	})
}

func (g *Guard) Scan(ctx context.Context, f ScanFilter) (ScanPage, error) {
	return guarded(ctx, g, "scan", func(ctx context.Context) (ScanPage, error) {
		return g.inner.Scan(ctx, f)
	})
}

func (g *Guard) ReadChanges(ctx context.Context, after int64, limit int) ([]Change, error) {
	return guarded(ctx, g, "read changes", func(ctx context.Context) ([]Change, error) {
		return g.inner.ReadChanges(ctx, after, limit)
	})
}

func (g *Guard) LoadCheckpoint(ctx context.Context, consumer string) (int64, error) {
	return guarded(ctx, g, "load checkpoint", func(ctx context.Context) (int64, error) {
		return g.inner.LoadCheckpoint(ctx, consumer)
	})
}

func (g *Guard) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	_, err := guarded(ctx, g, "save checkpoint", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.SaveCheckpoint(ctx, consumer, seq)
	})
	return err
}

func (g *Guard) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := guarded(ctx, g, "enqueue dead letter", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.EnqueueDLQ(ctx, e)
	})
	return err
}

func (g *Guard) ListDLQ(ctx context.Context, f resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return guarded(ctx, g, "list dead letters", func(ctx context.Context) ([]resilience.DLQEntry, error) {
		return g.inner.ListDLQ(ctx, f)
	})
}

func (g *Guard) CountDLQ(ctx context.Context) (map[string]int, error) {
	return guarded(ctx, g, "count dead letters", func(ctx context.Context) (map[string]int, error) {
		return g.inner.CountDLQ(ctx)
	})
}

func (g *Guard) RemoveDLQ(ctx context.Context, id string) error {
	// A missing id is the caller's mistake, not a store failure.
	var missing error
	_, err := guarded(ctx, g, "remove dead letter", func(ctx context.Context) (struct{}, error) {
		err := g.inner.RemoveDLQ(ctx, id)
		if errors.Is(err, ErrNotFound) {
			missing = err
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return err
	}
	return missing
}

func (g *Guard) Ping(ctx context.Context) error {
	_, err := guarded(ctx, g, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Ping(ctx)
	})
	return err
}

// Migrate runs without the per-call timeout.
func (g *Guard) Migrate(ctx context.Context) error { return g.inner.Migrate(ctx) }

func (g *Guard) Close() error { return g.inner.Close() }
