// Package matcher completes trips. Each invocation is stateless: it reads the
// counterpart half from the store, merges, and commits the completed trip
// with a create-if-absent write, which is the only point of mutual exclusion.
package matcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/resilience"
)

// Outcome is the result of one matcher invocation.
type Outcome string

const (
	// OutcomeDeferred: the counterpart has not arrived yet.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeCompleted: this invocation created the completed trip.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAlreadyCompleted: another invocation won the conditional write.
	OutcomeAlreadyCompleted Outcome = "already_completed"
	// OutcomeIgnored: the change was not a raw-fact insert.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeMergeFailed: the halves could not be merged and were dead-lettered.
	OutcomeMergeFailed Outcome = "merge_failed"
)

// Matcher turns pairs of raw facts into completed trips.
type Matcher struct {
	store  eventstore.Store
	policy MergePolicy
}

// New creates a Matcher. A nil policy prefers the END fare.
func New(store eventstore.Store, policy MergePolicy) *Matcher {
	if policy == nil {
		policy = FarePolicy{Prefer: model.HalfEnd}
	}
	return &Matcher{store: store, policy: policy}
}

// HandleChange runs the matcher for a change notification. Only raw-fact
// inserts are triggers; everything else is ignored.
func (m *Matcher) HandleChange(ctx context.Context, c eventstore.Change) (Outcome, error) {
	if c.Kind != eventstore.ChangeInsert {
		return OutcomeIgnored, nil
	}
	if _, ok := model.HalfFromSortKey(c.NewImage.SK); !ok {
		return OutcomeIgnored, nil
	}
	trigger, err := eventstore.FactFromItem(c.NewImage)
	if err != nil {
		return m.failMerge(ctx, &MergeError{TripID: c.NewImage.PK, Reason: "malformed trigger", Err: err}, c.NewImage)
	}
	return m.Complete(ctx, trigger)
}

// Complete attempts completion of the trip trigger belongs to. It is safe to
// call any number of times, concurrently, for either half.
func (m *Matcher) Complete(ctx context.Context, trigger model.RawFact) (Outcome, error) {
	log := zap.L().With(
		zap.String("component", "matcher"),
		zap.String("trip_id", trigger.TripID),
		zap.String("half", string(trigger.Half)),
	)
	if !trigger.Half.Valid() {
		return "", eris.Errorf("matcher: trigger for %s has half_type %q", trigger.TripID, trigger.Half)
	}

	counterHalf := trigger.Half.Counterpart()
	item, err := m.store.Get(ctx, trigger.TripID, counterHalf.SortKey(), eventstore.Consistent())
	if err != nil {
		return "", eris.Wrapf(err, "matcher: read %s counterpart of %s", counterHalf, trigger.TripID)
	}
	if item == nil {
		log.Debug("counterpart not yet recorded")
		return OutcomeDeferred, nil
	}

	counterpart, err := eventstore.FactFromItem(*item)
	if err != nil {
		return m.failMerge(ctx, &MergeError{TripID: trigger.TripID, Reason: "malformed counterpart", Err: err}, *item)
	}

	start, end := trigger, counterpart
	if trigger.Half == model.HalfEnd {
		start, end = counterpart, trigger
	}
	completed, err := m.policy.Merge(start, end)
	if err != nil {
		var merr *MergeError
		if !errors.As(err, &merr) {
			merr = &MergeError{TripID: trigger.TripID, Reason: "merge policy", Err: err}
		}
		return m.failMerge(ctx, merr, *item)
	}

	out, err := eventstore.CompletedItem(completed)
	if err != nil {
		return m.failMerge(ctx, &MergeError{TripID: trigger.TripID, Reason: "encode", Err: err}, *item)
	}

	created, err := m.store.PutIfAbsent(ctx, out)
	if err != nil {
		return "", eris.Wrapf(err, "matcher: commit completed trip %s", trigger.TripID)
	}

	outcome := OutcomeAlreadyCompleted
	if created {
		outcome = OutcomeCompleted
		log.Info("trip completed", zap.String("completion_date", completed.CompletionDate))
	} else {
		log.Debug("completed trip already exists")
	}

	m.markConsumed(ctx, log, trigger.TripID)
	return outcome, nil
}

// markConsumed flips both halves to CONSUMED. Completion does not depend on
// it, so failures are only logged.
func (m *Matcher) markConsumed(ctx context.Context, log *zap.Logger, tripID string) {
	for _, h := range []model.HalfType{model.HalfStart, model.HalfEnd} {
		_, err := m.store.UpdateStatus(ctx, tripID, h.SortKey(),
			string(model.StateUnmatched), string(model.StateConsumed))
		if err != nil {
			log.Warn("mark consumed failed", zap.String("consumed_half", string(h)), zap.Error(err))
		}
	}
}

// failMerge dead-letters a merge failure. The dead letter id is derived from
// the trip so redelivery updates one entry. If the dead letter cannot be
// written the store error is returned so the trigger is redelivered.
func (m *Matcher) failMerge(ctx context.Context, merr *MergeError, offending eventstore.Item) (Outcome, error) {
	zap.L().Error("merge failed",
		zap.String("component", "matcher"),
		zap.String("trip_id", merr.TripID),
		zap.String("sort_key", offending.SK),
		zap.Error(merr))

	payload := offending.Data
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(offending.Data))
	}
	entry := resilience.DLQEntry{
		ID:        "merge:" + merr.TripID,
		Stage:     resilience.StageMerge,
		TripID:    merr.TripID,
		Error:     merr.Error(),
		ErrorType: resilience.ErrorTypeMerge,
		Payload:   payload,
	}
	if err := m.store.EnqueueDLQ(ctx, entry); err != nil {
		return "", eris.Wrapf(err, "matcher: dead-letter merge failure for %s", merr.TripID)
	}
	return OutcomeMergeFailed, merr
}
