package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// HalfType identifies which half of a trip a raw fact describes.
type HalfType string

const (
	HalfStart HalfType = "START"
	HalfEnd   HalfType = "END"
)

// Counterpart returns the opposite half.
func (h HalfType) Counterpart() HalfType {
	if h == HalfStart {
		return HalfEnd
	}
	return HalfStart
}

// Valid reports whether h is one of the two known halves.
func (h HalfType) Valid() bool {
	return h == HalfStart || h == HalfEnd
}

// SortKey returns the store sort key for the raw fact of this half.
func (h HalfType) SortKey() string {
	return RawSortKeyPrefix + string(h)
}

// ParseHalfType maps wire spellings ("trip_start", "start", "END", ...) to a HalfType.
// The input is expected to be case-folded already.
func ParseHalfType(s string) (HalfType, error) {
	switch strings.TrimSpace(s) {
	case "trip_start", "start":
		return HalfStart, nil
	case "trip_end", "end":
		return HalfEnd, nil
	default:
		return "", eris.Errorf("unknown half_type %q", s)
	}
}

// ProcessingState tracks whether a raw fact has been folded into a completed trip.
type ProcessingState string

const (
	StateUnmatched ProcessingState = "UNMATCHED"
	StateConsumed  ProcessingState = "CONSUMED"
)

// Sort keys under a trip_id partition.
const (
	RawSortKeyPrefix = "RAW#"
	CompletedSortKey = "COMPLETED"
)

// HalfFromSortKey returns the half encoded in a raw-fact sort key.
func HalfFromSortKey(sk string) (HalfType, bool) {
	if !strings.HasPrefix(sk, RawSortKeyPrefix) {
		return "", false
	}
	h := HalfType(strings.TrimPrefix(sk, RawSortKeyPrefix))
	return h, h.Valid()
}

// Payload holds the sanitized fields carried by one half of a trip.
// Map keys are serialized in sorted order, so equal payloads encode to identical bytes.
type Payload struct {
	Fare    *float64           `json:"fare,omitempty"`
	Numbers map[string]float64 `json:"numbers,omitempty"`
	Strings map[string]string  `json:"strings,omitempty"`
}

// RawFact is one durably recorded half of a trip.
type RawFact struct {
	TripID          string          `json:"trip_id"`
	Half            HalfType        `json:"half_type"`
	EventTimestamp  time.Time       `json:"event_timestamp"`
	ArrivalSequence int64           `json:"arrival_sequence"`
	Payload         Payload         `json:"payload"`
	State           ProcessingState `json:"processing_state"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// CompletedTrip is the immutable record produced by merging both halves.
type CompletedTrip struct {
	TripID              string    `json:"trip_id"`
	StartPayload        Payload   `json:"start_payload"`
	EndPayload          Payload   `json:"end_payload"`
	DerivedFare         *float64  `json:"derived_fare,omitempty"`
	PickupTimestamp     time.Time `json:"pickup_timestamp"`
	CompletionTimestamp time.Time `json:"completion_timestamp"`
	CompletionDate      string    `json:"completion_date"`
}

// TripState is the logical state of a trip, derived from stored items.
type TripState string

const (
	TripNoFacts               TripState = "NO_FACTS"
	TripOneHalf               TripState = "ONE_HALF"
	TripBothHalvesUncommitted TripState = "BOTH_HALVES_UNCOMMITTED"
	TripCompleted             TripState = "COMPLETED"
)

// DayKey formats t as the UTC partition day used for completion dates.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
