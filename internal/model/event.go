package model

import "encoding/json"

// InboundEvent is one trip-start or trip-end record as delivered by the transport.
// Fields holds every attribute other than the three required ones, decoded with
// json.Number so numeric sanitation sees the original text.
type InboundEvent struct {
	TripID         string          `json:"trip_id"`
	HalfType       string          `json:"half_type"`
	EventTimestamp string          `json:"event_timestamp"`
	Fields         map[string]any  `json:"fields,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// IngestStatus is the per-event result of an ingest call.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
	IngestFailed    IngestStatus = "failed"
)

// IngestOutcome reports what happened to a single inbound event.
type IngestOutcome struct {
	Index     int          `json:"index"`
	TripID    string       `json:"trip_id,omitempty"`
	Half      HalfType     `json:"half_type,omitempty"`
	Status    IngestStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	Sanitized []string     `json:"sanitized,omitempty"`
}

// IngestResult summarizes a batch. Outcomes are in input order.
type IngestResult struct {
	BatchID    string          `json:"batch_id"`
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Rejected   int             `json:"rejected"`
	Failed     int             `json:"failed"`
	Sanitized  int             `json:"sanitized"`
	Outcomes   []IngestOutcome `json:"outcomes"`
}

// PartialFailure reports whether any event was rejected or failed.
func (r *IngestResult) PartialFailure() bool {
	return r.Rejected > 0 || r.Failed > 0
}
