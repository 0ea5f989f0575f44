package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/model"
)

// TripView is the stored picture of one trip.
type TripView struct {
	TripID    string               `json:"trip_id"`
	State     model.TripState      `json:"state"`
	Start     *model.RawFact       `json:"start,omitempty"`
	End       *model.RawFact       `json:"end,omitempty"`
	Completed *model.CompletedTrip `json:"completed,omitempty"`
}

// TripState derives the logical state of a trip from its stored items.
func (m *Matcher) TripState(ctx context.Context, tripID string) (TripView, error) {
	items, err := m.store.Query(ctx, tripID, eventstore.Consistent())
	if err != nil {
		return TripView{}, eris.Wrapf(err, "matcher: load trip %s", tripID)
	}

	v := TripView{TripID: tripID}
	for _, it := range items {
		if it.SK == model.CompletedSortKey {
			c, err := eventstore.CompletedFromItem(it)
			if err != nil {
				return TripView{}, err
			}
			v.Completed = &c
			continue
		}
		half, ok := model.HalfFromSortKey(it.SK)
		if !ok {
			continue
		}
		f, err := eventstore.FactFromItem(it)
		if err != nil {
			return TripView{}, err
		}
		if half == model.HalfStart {
			v.Start = &f
		} else {
			v.End = &f
		}
	}
	v.State = deriveState(v)
	return v, nil
}

func deriveState(v TripView) model.TripState {
	switch {
	case v.Completed != nil:
		return model.TripCompleted
	case v.Start != nil && v.End != nil:
		return model.TripBothHalvesUncommitted
	case v.Start != nil || v.End != nil:
		return model.TripOneHalf
	default:
		return model.TripNoFacts
	}
}

// ReconcileResult counts what a reconcile pass did.
type ReconcileResult struct {
	Scanned          int `json:"scanned"`
	Completed        int `json:"completed"`
	AlreadyCompleted int `json:"already_completed"`
	Deferred         int `json:"deferred"`
	MergeFailures    int `json:"merge_failures"`
	Errors           int `json:"errors"`
}

// Reconcile re-runs the matcher for every trip that still has an UNMATCHED
// raw fact received before cutoff. Per-trip errors are counted and the pass
// continues; only a failed scan aborts it.
func (m *Matcher) Reconcile(ctx context.Context, cutoff time.Time) (ReconcileResult, error) {
	log := zap.L().With(zap.String("component", "reconcile"), zap.Time("cutoff", cutoff))

	var res ReconcileResult
	// Completed trips drop out of later pages because their facts are
	// marked consumed. Trips whose facts stay unmatched are remembered
	// across pages so they are not retried twice in one pass.
	unresolved := make(map[string]bool)
	filter := eventstore.ScanFilter{
		SKPrefix:      model.RawSortKeyPrefix,
		Status:        string(model.StateUnmatched),
		CreatedBefore: cutoff,
	}
	err := eventstore.ScanPages(ctx, m.store, filter, func(items []eventstore.Item) error {
		onPage := make(map[string]bool, len(items))
		for _, it := range items {
			if onPage[it.PK] || unresolved[it.PK] {
				continue
			}
			onPage[it.PK] = true
			res.Scanned++
			if !m.reconcileTrip(ctx, log, it, &res) {
				unresolved[it.PK] = true
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, eris.Wrap(err, "matcher: reconcile scan")
	}

	log.Info("reconcile finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("completed", res.Completed),
		zap.Int("already_completed", res.AlreadyCompleted),
		zap.Int("deferred", res.Deferred),
		zap.Int("merge_failures", res.MergeFailures),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// reconcileTrip re-runs the matcher for the trip of it and counts the
// outcome. It reports false when both facts of the trip were left unmatched,
// so its other half may still come up later in the scan.
func (m *Matcher) reconcileTrip(ctx context.Context, log *zap.Logger, it eventstore.Item, res *ReconcileResult) bool {
	fact, err := eventstore.FactFromItem(it)
	var outcome Outcome
	if err != nil {
		outcome, err = m.failMerge(ctx, &MergeError{TripID: it.PK, Reason: "malformed raw fact", Err: err}, it)
	} else {
		outcome, err = m.Complete(ctx, fact)
	}

	var merr *MergeError
	switch {
	case errors.As(err, &merr):
		res.MergeFailures++
		return false
	case err != nil:
		res.Errors++
		log.Warn("reconcile trip failed", zap.String("trip_id", it.PK), zap.Error(err))
		return false
	case outcome == OutcomeCompleted:
		res.Completed++
	case outcome == OutcomeAlreadyCompleted:
		res.AlreadyCompleted++
	case outcome == OutcomeDeferred:
		res.Deferred++
	}
	return true
}
