package matcher

import (
	"context"
	"errors"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/resilience"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Consumer     string
	BatchSize    int
	Lanes        int
	RatePerSec   float64 // 0 disables the limiter
	Burst        int
	PollInterval time.Duration
	Backoff      resilience.RetryConfig
	StopWhenIdle bool
}

// DispatchStats counts outcomes since the dispatcher started.
type DispatchStats struct {
	Changes          int64 `json:"changes"`
	Completed        int64 `json:"completed"`
	AlreadyCompleted int64 `json:"already_completed"`
	Deferred         int64 `json:"deferred"`
	Ignored          int64 `json:"ignored"`
	MergeFailures    int64 `json:"merge_failures"`
	Batches          int64 `json:"batches"`
	Restarts         int64 `json:"restarts"`
}

// Dispatcher consumes the change feed and runs the matcher for every change.
// Changes of one trip always land in the same lane, so within a batch they
// are handled in feed order.
type Dispatcher struct {
	feed    eventstore.ChangeFeed
	matcher *Matcher
	cfg     DispatcherConfig
	limiter *rate.Limiter

	changes, completed, already, deferred, ignored, mergeFailures, batches, restarts atomic.Int64
}

// NewDispatcher creates a Dispatcher reading feed on behalf of m.
func NewDispatcher(feed eventstore.ChangeFeed, m *Matcher, cfg DispatcherConfig) *Dispatcher {
	if cfg.Consumer == "" {
		cfg.Consumer = "matcher"
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	d := &Dispatcher{feed: feed, matcher: m, cfg: cfg}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return d
}

// Run blocks until ctx is canceled, a non-transient error occurs, or (with
// StopWhenIdle) the feed is drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	zap.L().Info("dispatcher starting",
		zap.String("component", "dispatcher"),
		zap.String("consumer", d.cfg.Consumer),
		zap.Int("lanes", d.cfg.Lanes))

	return eventstore.Subscribe(ctx, d.feed, eventstore.SubscribeOptions{
		Consumer:     d.cfg.Consumer,
		BatchSize:    d.cfg.BatchSize,
		PollInterval: d.cfg.PollInterval,
		Backoff:      d.cfg.Backoff,
		StopWhenIdle: d.cfg.StopWhenIdle,
	}, d.handleBatch)
}

// Supervise runs the dispatcher until ctx is canceled or the feed is drained.
// A failed run is logged and restarted after backoff, so a bad batch never
// takes down the process hosting the dispatcher. The checkpoint is not
// advanced, so the restarted run redelivers the failed batch.
func (d *Dispatcher) Supervise(ctx context.Context) {
	log := zap.L().With(zap.String("component", "dispatcher"), zap.String("consumer", d.cfg.Consumer))
	for failures := 0; ; {
		err := d.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		failures++
		d.restarts.Add(1)
		delay := resilience.Backoff(d.cfg.Backoff, failures)
		log.Error("dispatcher stopped, restarting",
			zap.Int("failures", failures), zap.Duration("backoff", delay), zap.Error(err))
		if !resilience.Sleep(ctx, delay) {
			return
		}
	}
}

// Stats returns a snapshot of the outcome counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Changes:          d.changes.Load(),
		Completed:        d.completed.Load(),
		AlreadyCompleted: d.already.Load(),
		Deferred:         d.deferred.Load(),
		Ignored:          d.ignored.Load(),
		MergeFailures:    d.mergeFailures.Load(),
		Batches:          d.batches.Load(),
		Restarts:         d.restarts.Load(),
	}
}

func (d *Dispatcher) handleBatch(ctx context.Context, batch []eventstore.Change) error {
	lanes := make([][]eventstore.Change, d.cfg.Lanes)
	for _, c := range batch {
		i := laneFor(c.NewImage.PK, d.cfg.Lanes)
		lanes[i] = append(lanes[i], c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		g.Go(func() error {
			for _, c := range lane {
				if err := d.handle(gctx, c); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	d.batches.Add(1)
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, c eventstore.Change) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	d.changes.Add(1)

	outcome, err := d.matcher.HandleChange(ctx, c)
	var merr *MergeError
	if errors.As(err, &merr) {
		// Already dead-lettered; the checkpoint may move past it.
		d.mergeFailures.Add(1)
		return nil
	}
	if err != nil {
		return err
	}

	switch outcome {
	case OutcomeCompleted:
		d.completed.Add(1)
	case OutcomeAlreadyCompleted:
		d.already.Add(1)
	case OutcomeDeferred:
		d.deferred.Add(1)
	case OutcomeIgnored:
		d.ignored.Add(1)
	}
	return nil
}

func laneFor(tripID string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tripID))
	return int(h.Sum32() % uint32(lanes))
}
