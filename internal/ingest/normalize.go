package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/tripjoin/internal/model"
)

// ValidationError marks an inbound event that can never become a raw fact.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 or a zone-less layout read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// normalize turns an inbound event into a raw fact. The returned slice lists
// every sanitation applied, as "field=value:action".
func normalize(ev model.InboundEvent, policy SanitationPolicy, receivedAt time.Time) (model.RawFact, []string, error) {
	if len(ev.Raw) > 0 && ev.TripID == "" && ev.HalfType == "" && ev.Fields == nil {
		if trimmed := strings.TrimSpace(string(ev.Raw)); trimmed != "" && trimmed[0] != '{' {
			return model.RawFact{}, nil, invalid("event", "is not a JSON object")
		}
	}

	if !utf8.ValidString(ev.TripID) {
		return model.RawFact{}, nil, invalid("trip_id", "is not valid UTF-8")
	}
	tripID := norm.NFC.String(strings.TrimSpace(ev.TripID))
	if tripID == "" {
		return model.RawFact{}, nil, invalid("trip_id", "is required")
	}
	// Postgres text columns reject NUL, and control characters never appear
	// in real trip ids.
	if strings.IndexFunc(tripID, unicode.IsControl) >= 0 {
		return model.RawFact{}, nil, invalid("trip_id", "contains control characters")
	}

	if strings.TrimSpace(ev.HalfType) == "" {
		return model.RawFact{}, nil, invalid("half_type", "is required")
	}
	half, err := model.ParseHalfType(cases.Fold().String(ev.HalfType))
	if err != nil {
		return model.RawFact{}, nil, invalid("half_type", fmt.Sprintf("%q is not trip_start or trip_end", ev.HalfType))
	}

	rawTS := ev.EventTimestamp
	if strings.TrimSpace(rawTS) == "" {
		rawTS = scalarString(ev.Fields[fallbackTimestampField(half)])
	}
	if strings.TrimSpace(rawTS) == "" {
		return model.RawFact{}, nil, invalid("event_timestamp", "is required")
	}
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return model.RawFact{}, nil, invalid("event_timestamp", err.Error())
	}

	payload, sanitized, err := sanitize(ev.Fields, policy)
	if err != nil {
		return model.RawFact{}, sanitized, err
	}
	if payload.Fare == nil {
		if v, ok := payload.Numbers[fallbackFareField(half)]; ok {
			payload.Fare = &v
		}
	}

	return model.RawFact{
		TripID:         tripID,
		Half:           half,
		EventTimestamp: ts,
		Payload:        payload,
		State:          model.StateUnmatched,
		ReceivedAt:     receivedAt.UTC(),
	}, sanitized, nil
}

func fallbackTimestampField(h model.HalfType) string {
	if h == model.HalfStart {
		return "pickup_datetime"
	}
	return "dropoff_datetime"
}

func fallbackFareField(h model.HalfType) string {
	if h == model.HalfStart {
		return "estimated_fare_amount"
	}
	return "fare_amount"
}

// sanitize splits fields into the payload. Fields are visited in sorted order
// so the sanitation report is deterministic.
func sanitize(fields map[string]any, policy SanitationPolicy) (model.Payload, []string, error) {
	var p model.Payload
	var sanitized []string

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		if !policy.isNumeric(k) {
			if s, ok := stringValue(v); ok {
				if p.Strings == nil {
					p.Strings = make(map[string]string)
				}
				p.Strings[k] = s
			}
			continue
		}

		f, ok := numberValue(v)
		if !ok {
			action := policy.ActionFor(k)
			sanitized = append(sanitized, fmt.Sprintf("%s=%v:%s", k, v, action))
			switch action {
			case ActionReject:
				return p, sanitized, invalid(k, fmt.Sprintf("has non-finite or non-numeric value %v", v))
			case ActionZero:
				f = 0
			default:
				continue
			}
		}

		if k == "fare" {
			p.Fare = &f
			continue
		}
		if p.Numbers == nil {
			p.Numbers = make(map[string]float64)
		}
		p.Numbers[k] = f
	}
	return p, sanitized, nil
}

// numberValue returns a finite float for a JSON number or numeric string.
func numberValue(v any) (float64, bool) {
	var f float64
	var err error
	switch x := v.(type) {
	case json.Number:
		f, err = strconv.ParseFloat(x.String(), 64)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	case float64:
		f = x
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// stringValue renders non-numeric fields. Nested values are kept as compact JSON.
func stringValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
