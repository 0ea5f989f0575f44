package eventstore

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/resilience"
)

// BatchHandler processes one batch of changes. Returning an error leaves the
// checkpoint where it was, so the whole batch is delivered again.
type BatchHandler func(ctx context.Context, batch []Change) error

// SubscribeOptions configures a feed subscription.
type SubscribeOptions struct {
	Consumer     string
	BatchSize    int
	PollInterval time.Duration
	// Backoff paces redelivery after a transient handler failure.
	Backoff resilience.RetryConfig
	// StopWhenIdle returns once the consumer has caught up with the feed.
	StopWhenIdle bool
}

// Subscribe delivers the change feed to handler in batches, at least once,
// resuming from the consumer's durable checkpoint. The checkpoint advances
// only after handler succeeds for the entire batch. A transient handler or
// store error causes redelivery after backoff; any other error is returned.
// Subscribe returns nil when ctx is canceled.
func Subscribe(ctx context.Context, feed ChangeFeed, opts SubscribeOptions, handler BatchHandler) error {
	if opts.Consumer == "" {
		return eris.New("feed: consumer name is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultScanLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	log := zap.L().With(zap.String("component", "feed"), zap.String("consumer", opts.Consumer))

	var failures int
	for {
		if ctx.Err() != nil {
			return nil
		}

		last, n, err := deliverOnce(ctx, feed, opts, handler)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return nil
		case resilience.IsTransient(err):
			failures++
			delay := resilience.Backoff(opts.Backoff, failures)
			log.Warn("feed: batch will be redelivered",
				zap.Int64("after_seq", last), zap.Int("failures", failures),
				zap.Duration("backoff", delay), zap.Error(err))
			if !resilience.Sleep(ctx, delay) {
				return nil
			}
			continue
		default:
			return eris.Wrapf(err, "feed: consumer %s", opts.Consumer)
		}

		if n > 0 {
			log.Debug("feed: batch committed", zap.Int64("checkpoint", last), zap.Int("changes", n))
		}
		if n < opts.BatchSize {
			if opts.StopWhenIdle {
				return nil
			}
			if !resilience.Sleep(ctx, opts.PollInterval) {
				return nil
			}
		}
	}
}

// deliverOnce reads and handles one batch. It returns the checkpoint after
// the call and the batch size.
func deliverOnce(ctx context.Context, feed ChangeFeed, opts SubscribeOptions, handler BatchHandler) (int64, int, error) {
	cp, err := feed.LoadCheckpoint(ctx, opts.Consumer)
	if err != nil {
		return 0, 0, err
	}
	batch, err := feed.ReadChanges(ctx, cp, opts.BatchSize)
	if err != nil {
		return cp, 0, err
	}
	if len(batch) == 0 {
		return cp, 0, nil
	}
	if err := handler(ctx, batch); err != nil {
		return cp, len(batch), err
	}
	last := batch[len(batch)-1].Seq
	if err := feed.SaveCheckpoint(ctx, opts.Consumer, last); err != nil {
		return cp, len(batch), err
	}
	return last, len(batch), nil
}
