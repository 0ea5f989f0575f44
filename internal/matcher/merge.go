package matcher

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/model"
)

// MergeError means the two halves of a trip cannot be merged. The matcher
// fails closed on it: nothing is written and the trip stays as it was.
type MergeError struct {
	TripID string
	Reason string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge %s: %s: %v", e.TripID, e.Reason, e.Err)
	}
	return fmt.Sprintf("merge %s: %s", e.TripID, e.Reason)
}

func (e *MergeError) Unwrap() error { return e.Err }

// MergePolicy builds the completed trip from its two halves. Implementations
// must be pure: the result depends only on the two facts, never on which one
// triggered the merge, on arrival order, or on the clock.
type MergePolicy interface {
	Merge(start, end model.RawFact) (model.CompletedTrip, error)
}

// FarePreference names the half whose fare wins when both have one.
type FarePreference string

const (
	PreferEnd   FarePreference = "end"
	PreferStart FarePreference = "start"
)

// NewMergePolicy returns the fare policy for pref ("end" or "start").
func NewMergePolicy(pref string) (MergePolicy, error) {
	switch FarePreference(strings.ToLower(strings.TrimSpace(pref))) {
	case PreferEnd, "":
		return FarePolicy{Prefer: model.HalfEnd}, nil
	case PreferStart:
		return FarePolicy{Prefer: model.HalfStart}, nil
	default:
		return nil, eris.Errorf("matcher: unknown fare preference %q", pref)
	}
}

// FarePolicy takes derived_fare from the preferred half when present and
// finite, else from the other half, else leaves it absent. The completion
// timestamp is always the END event time.
type FarePolicy struct {
	Prefer model.HalfType
}

func (p FarePolicy) Merge(start, end model.RawFact) (model.CompletedTrip, error) {
	if err := checkPair(start, end); err != nil {
		return model.CompletedTrip{}, err
	}

	first, second := end.Payload.Fare, start.Payload.Fare
	if p.Prefer == model.HalfStart {
		first, second = second, first
	}
	var fare *float64
	switch {
	case finite(first):
		v := *first
		fare = &v
	case finite(second):
		v := *second
		fare = &v
	}

	return model.CompletedTrip{
		TripID:              start.TripID,
		StartPayload:        start.Payload,
		EndPayload:          end.Payload,
		DerivedFare:         fare,
		PickupTimestamp:     start.EventTimestamp.UTC(),
		CompletionTimestamp: end.EventTimestamp.UTC(),
		CompletionDate:      model.DayKey(end.EventTimestamp),
	}, nil
}

func checkPair(start, end model.RawFact) error {
	tripID := start.TripID
	if tripID == "" {
		tripID = end.TripID
	}
	switch {
	case start.TripID == "" || start.TripID != end.TripID:
		return &MergeError{TripID: tripID, Reason: fmt.Sprintf("trip_id mismatch %q / %q", start.TripID, end.TripID)}
	case start.Half != model.HalfStart || end.Half != model.HalfEnd:
		return &MergeError{TripID: tripID, Reason: fmt.Sprintf("halves are %s / %s", start.Half, end.Half)}
	case end.EventTimestamp.IsZero():
		return &MergeError{TripID: tripID, Reason: "END half has no event_timestamp"}
	case start.EventTimestamp.IsZero():
		return &MergeError{TripID: tripID, Reason: "START half has no event_timestamp"}
	}
	for _, f := range []model.RawFact{start, end} {
		for k, v := range f.Payload.Numbers {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &MergeError{TripID: tripID, Reason: fmt.Sprintf("%s payload field %s is not finite", f.Half, k)}
			}
		}
	}
	return nil
}

func finite(f *float64) bool {
	return f != nil && !math.IsNaN(*f) && !math.IsInf(*f, 0)
}
