package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tripjoin/internal/model"
)

var received = time.Date(2025, 4, 20, 9, 0, 0, 0, time.UTC)

func decoded(t *testing.T, s string) model.InboundEvent {
	t.Helper()
	ev, err := DecodeEvent([]byte(s))
	require.NoError(t, err)
	return ev
}

func TestNormalize_Valid(t *testing.T) {
	ev := decoded(t, `{"trip_id":"  T1 ","half_type":"TRIP_START","event_timestamp":"2025-04-20T10:00:00+02:00","fare":12.5,"trip_distance":"3.2","vendor_id":"2","passenger_count":1}`)
	f, sanitized, err := normalize(ev, DefaultPolicy(), received)
	require.NoError(t, err)
	assert.Empty(t, sanitized)
	assert.Equal(t, "T1", f.TripID)
	assert.Equal(t, model.HalfStart, f.Half)
	assert.Equal(t, time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC), f.EventTimestamp)
	assert.Equal(t, 12.5, *f.Payload.Fare)
	assert.Equal(t, map[string]float64{"trip_distance": 3.2, "passenger_count": 1}, f.Payload.Numbers)
	assert.Equal(t, map[string]string{"vendor_id": "2"}, f.Payload.Strings)
	assert.Equal(t, model.StateUnmatched, f.State)
	assert.Equal(t, received, f.ReceivedAt)
}

func TestNormalize_TripIDIsNFC(t *testing.T) {
	decomposed := decoded(t, `{"trip_id":"cafe\u0301","half_type":"start","event_timestamp":"2025-04-20T08:00:00Z"}`)
	composed := decoded(t, `{"trip_id":"caf\u00e9","half_type":"start","event_timestamp":"2025-04-20T08:00:00Z"}`)

	a, _, err := normalize(decomposed, DefaultPolicy(), received)
	require.NoError(t, err)
	b, _, err := normalize(composed, DefaultPolicy(), received)
	require.NoError(t, err)
	assert.Equal(t, a.TripID, b.TripID)
}

func TestNormalize_Fallbacks(t *testing.T) {
	end := decoded(t, `{"trip_id":"T1","half_type":"trip_end","dropoff_datetime":"2025-04-20 08:30:00","fare_amount":17}`)
	f, _, err := normalize(end, DefaultPolicy(), received)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 20, 8, 30, 0, 0, time.UTC), f.EventTimestamp)
	require.NotNil(t, f.Payload.Fare)
	assert.Equal(t, 17.0, *f.Payload.Fare)

	start := decoded(t, `{"trip_id":"T1","half_type":"trip_start","pickup_datetime":"2025-04-20T08:00:00","estimated_fare_amount":"15.25","fare_amount":99}`)
	f, _, err = normalize(start, DefaultPolicy(), received)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC), f.EventTimestamp)
	assert.Equal(t, 15.25, *f.Payload.Fare)

	// An explicit fare wins over the fallback.
	explicit := decoded(t, `{"trip_id":"T1","half_type":"trip_end","event_timestamp":"2025-04-20T08:30:00Z","fare":20,"fare_amount":17}`)
	f, _, err = normalize(explicit, DefaultPolicy(), received)
	require.NoError(t, err)
	assert.Equal(t, 20.0, *f.Payload.Fare)
}

func TestNormalize_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		ev    model.InboundEvent
		field string
	}{
		{name: "missing trip_id", ev: model.InboundEvent{HalfType: "trip_start", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "trip_id"},
		{name: "blank trip_id", ev: model.InboundEvent{TripID: "  ", HalfType: "trip_start", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "trip_id"},
		{name: "NUL in trip_id", ev: model.InboundEvent{TripID: "T\x001", HalfType: "trip_start", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "trip_id"},
		{name: "newline in trip_id", ev: model.InboundEvent{TripID: "T\n1", HalfType: "trip_start", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "trip_id"},
		{name: "invalid utf-8 trip_id", ev: model.InboundEvent{TripID: "T\xff1", HalfType: "trip_start", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "trip_id"},
		{name: "missing half", ev: model.InboundEvent{TripID: "T1", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "half_type"},
		{name: "unknown half", ev: model.InboundEvent{TripID: "T1", HalfType: "trip_middle", EventTimestamp: "2025-04-20T08:00:00Z"}, field: "half_type"},
		{name: "missing timestamp", ev: model.InboundEvent{TripID: "T1", HalfType: "trip_end"}, field: "event_timestamp"},
		{name: "bad timestamp", ev: model.InboundEvent{TripID: "T1", HalfType: "trip_end", EventTimestamp: "yesterday"}, field: "event_timestamp"},
		{name: "not an object", ev: model.InboundEvent{Raw: json.RawMessage(`"T1"`)}, field: "event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := normalize(tt.ev, DefaultPolicy(), received)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNormalize_Sanitation(t *testing.T) {
	base := `{"trip_id":"T1","half_type":"trip_end","event_timestamp":"2025-04-20T08:30:00Z",`

	t.Run("drop non-finite fare", func(t *testing.T) {
		f, sanitized, err := normalize(decoded(t, base+`"fare":"NaN","tip_amount":"Infinity"}`), DefaultPolicy(), received)
		require.NoError(t, err)
		assert.Nil(t, f.Payload.Fare)
		assert.NotContains(t, f.Payload.Numbers, "tip_amount")
		assert.Equal(t, []string{"fare=NaN:drop", "tip_amount=Infinity:drop"}, sanitized)
	})

	t.Run("overflow is non-finite", func(t *testing.T) {
		f, sanitized, err := normalize(decoded(t, base+`"fare":1e400}`), DefaultPolicy(), received)
		require.NoError(t, err)
		assert.Nil(t, f.Payload.Fare)
		assert.Len(t, sanitized, 1)
	})

	t.Run("zero", func(t *testing.T) {
		p := SanitationPolicy{Default: ActionDrop, Fields: map[string]Action{"passenger_count": ActionZero}}
		f, sanitized, err := normalize(decoded(t, base+`"passenger_count":"lots"}`), p, received)
		require.NoError(t, err)
		assert.Equal(t, 0.0, f.Payload.Numbers["passenger_count"])
		assert.Len(t, sanitized, 1)
	})

	t.Run("reject", func(t *testing.T) {
		p := SanitationPolicy{Default: ActionReject}
		_, sanitized, err := normalize(decoded(t, base+`"fare":"-Infinity"}`), p, received)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "fare", verr.Field)
		assert.Len(t, sanitized, 1)
	})

	t.Run("null fare is absent", func(t *testing.T) {
		f, sanitized, err := normalize(decoded(t, base+`"fare":null}`), DefaultPolicy(), received)
		require.NoError(t, err)
		assert.Nil(t, f.Payload.Fare)
		assert.Empty(t, sanitized)
	})
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)
	for _, s := range []string{"2025-04-20T08:00:00Z", "2025-04-20 08:00:00", "2025-04-20T08:00:00", "2025-04-20T04:00:00-04:00"} {
		got, err := parseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
		assert.Equal(t, time.UTC, got.Location())
	}
	_, err := parseTimestamp("04/20/2025")
	assert.Error(t, err)
}
