package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/resilience"
)

const defaultConcurrency = 8

// Ingestor records inbound events as raw facts.
type Ingestor struct {
	store       eventstore.Store
	policy      SanitationPolicy
	retry       resilience.RetryConfig
	concurrency int
	now         func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithPolicy sets the numeric sanitation policy.
func WithPolicy(p SanitationPolicy) Option {
	return func(i *Ingestor) { i.policy = p }
}

// WithRetry sets the backoff used for transient store errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(i *Ingestor) { i.retry = cfg }
}

// WithConcurrency bounds how many events of a batch are written at once.
func WithConcurrency(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithClock overrides the clock used for received_at.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// New creates an Ingestor writing to store.
func New(store eventstore.Store, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:       store,
		policy:      DefaultPolicy(),
		retry:       resilience.DefaultRetryConfig(),
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.retry.OnRetry == nil {
		i.retry.OnRetry = resilience.RetryLogger("ingest", "store write")
	}
	return i
}

// Ingest records every event of the batch. Invalid events are dead-lettered
// and reported as rejected; events whose write kept failing are reported as
// failed so the transport redelivers them. One bad event never fails the batch.
func (i *Ingestor) Ingest(ctx context.Context, events []model.InboundEvent) model.IngestResult {
	res := model.IngestResult{
		BatchID:  uuid.New().String(),
		Outcomes: make([]model.IngestOutcome, len(events)),
	}
	log := zap.L().With(zap.String("component", "ingest"), zap.String("batch_id", res.BatchID))

	var g errgroup.Group
	g.SetLimit(i.concurrency)
	for idx, ev := range events {
		g.Go(func() error {
			res.Outcomes[idx] = i.ingestOne(ctx, log, idx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range res.Outcomes {
		switch o.Status {
		case model.IngestAccepted:
			res.Accepted++
		case model.IngestDuplicate:
			res.Duplicates++
		case model.IngestRejected:
			res.Rejected++
		case model.IngestFailed:
			res.Failed++
		}
		if len(o.Sanitized) > 0 {
			res.Sanitized++
		}
	}

	log.Info("batch ingested",
		zap.Int("events", len(events)),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", res.Rejected),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (i *Ingestor) ingestOne(ctx context.Context, log *zap.Logger, idx int, ev model.InboundEvent) model.IngestOutcome {
	out := model.IngestOutcome{Index: idx, TripID: ev.TripID}

	if err := ctx.Err(); err != nil {
		out.Status = model.IngestFailed
		out.Error = err.Error()
		return out
	}

	fact, sanitized, err := normalize(ev, i.policy, i.now())
	out.Sanitized = sanitized
	if len(sanitized) > 0 {
		log.Warn("numeric fields sanitized",
			zap.String("trip_id", ev.TripID), zap.Strings("sanitized", sanitized))
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return i.reject(ctx, log, out, ev, verr)
	}

	out.TripID = fact.TripID
	out.Half = fact.Half

	item, err := eventstore.RawFactItem(fact)
	if err != nil {
		out.Status = model.IngestFailed
		out.Error = err.Error()
		return out
	}

	created, err := resilience.DoVal(ctx, i.retry, func(ctx context.Context) (bool, error) {
		return i.store.PutIfAbsent(ctx, item)
	})
	if err != nil {
		log.Error("raw fact write failed",
			zap.String("trip_id", fact.TripID), zap.String("half", string(fact.Half)),
			zap.Bool("transient", resilience.IsTransient(err)), zap.Error(err))
		out.Status = model.IngestFailed
		out.Error = err.Error()
		return out
	}

	if !created {
		log.Debug("duplicate raw fact dropped",
			zap.String("trip_id", fact.TripID), zap.String("half", string(fact.Half)))
		out.Status = model.IngestDuplicate
		return out
	}
	out.Status = model.IngestAccepted
	return out
}

// reject dead-letters an invalid event. If the dead letter cannot be written
// the event is reported as failed instead, so it is not lost.
func (i *Ingestor) reject(ctx context.Context, log *zap.Logger, out model.IngestOutcome, ev model.InboundEvent, verr *ValidationError) model.IngestOutcome {
	out.Error = verr.Error()
	log.Warn("event rejected", zap.Int("index", out.Index), zap.String("trip_id", ev.TripID), zap.Error(verr))

	entry := resilience.DLQEntry{
		Stage:     resilience.StageIngest,
		TripID:    storableTripID(ev.TripID),
		Error:     strings.ToValidUTF8(verr.Error(), "\uFFFD"),
		ErrorType: resilience.ErrorTypeValidation,
		Payload:   eventPayload(ev),
	}
	err := resilience.Do(ctx, i.retry, func(ctx context.Context) error {
		return i.store.EnqueueDLQ(ctx, entry)
	})
	if err != nil {
		log.Error("dead letter write failed", zap.Int("index", out.Index), zap.Error(err))
		out.Status = model.IngestFailed
		out.Error = err.Error()
		return out
	}
	out.Status = model.IngestRejected
	return out
}

// eventPayload returns the event as delivered. Raw bytes that are not JSON
// are stored as a JSON string.
func eventPayload(ev model.InboundEvent) json.RawMessage {
	if len(ev.Raw) > 0 {
		if utf8.Valid(ev.Raw) && json.Valid(ev.Raw) {
			return ev.Raw
		}
		b, _ := json.Marshal(string(ev.Raw))
		return b
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return b
}

// storableTripID returns id, or "" when the store could not hold it as text.
func storableTripID(id string) string {
	if !utf8.ValidString(id) || strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return ""
	}
	return id
}
