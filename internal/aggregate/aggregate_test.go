package aggregate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/model"
)

var generated = time.Date(2025, 4, 25, 6, 0, 0, 0, time.UTC)

func fp(v float64) *float64 { return &v }

func putCompleted(t *testing.T, s eventstore.Store, tripID, day string, fare *float64) {
	t.Helper()
	end, err := time.Parse("2006-01-02", day)
	require.NoError(t, err)
	it, err := eventstore.CompletedItem(model.CompletedTrip{
		TripID:              tripID,
		DerivedFare:         fare,
		PickupTimestamp:     end.Add(8 * time.Hour),
		CompletionTimestamp: end.Add(9 * time.Hour),
		CompletionDate:      day,
	})
	require.NoError(t, err)
	created, err := s.PutIfAbsent(context.Background(), it)
	require.NoError(t, err)
	require.True(t, created)
}

// seed stores the four trips used by the original KPI job's tests plus one
// fareless trip.
func seed(t *testing.T) eventstore.Store {
	s := eventstore.NewMemory()
	putCompleted(t, s, "T1", "2025-04-20", fp(25.50))
	putCompleted(t, s, "T2", "2025-04-20", fp(30.75))
	putCompleted(t, s, "T3", "2025-04-21", fp(15.25))
	putCompleted(t, s, "T4", "2025-04-21", fp(42.00))
	putCompleted(t, s, "T5", "2025-04-21", nil)
	return s
}

func TestAggregator_Run(t *testing.T) {
	a := New(seed(t), WithPageSize(1), WithClock(func() time.Time { return generated }), WithSource("test"))

	report, err := a.Run(context.Background(), []string{"2025-04-21", "2025-04-20", "2025-04-21"})
	require.NoError(t, err)
	require.Len(t, report.DailyKPIs, 2)

	d1 := report.DailyKPIs[0]
	assert.Equal(t, "2025-04-20", d1.Date)
	assert.Equal(t, 2, d1.TripCount)
	assert.Equal(t, 2, d1.FaredTripCount)
	assert.Equal(t, "56.25", d1.TotalFare.String())
	assert.Equal(t, "28.13", d1.AvgFare.String())
	assert.Equal(t, "25.5", d1.MinFare.String())
	assert.Equal(t, "30.75", d1.MaxFare.String())

	d2 := report.DailyKPIs[1]
	assert.Equal(t, 3, d2.TripCount, "fareless trips still count")
	assert.Equal(t, 2, d2.FaredTripCount)
	assert.Equal(t, "57.25", d2.TotalFare.String())
	assert.Equal(t, "28.63", d2.AvgFare.String())
	assert.Equal(t, "15.25", d2.MinFare.String())
	assert.Equal(t, "42", d2.MaxFare.String())

	assert.Equal(t, model.ReportMetadata{
		ReportGenerated: generated,
		Source:          "test",
		RecordCount:     5,
		DateRange:       model.DateRange{StartDate: "2025-04-20", EndDate: "2025-04-21"},
		KPICount:        2,
	}, report.Metadata)
}

func TestAggregator_FarelessDay(t *testing.T) {
	s := eventstore.NewMemory()
	putCompleted(t, s, "T9", "2025-04-22", nil)

	report, err := New(s).Run(context.Background(), []string{"2025-04-22"})
	require.NoError(t, err)
	require.Len(t, report.DailyKPIs, 1)
	d := report.DailyKPIs[0]
	assert.Equal(t, 1, d.TripCount)
	assert.Zero(t, d.FaredTripCount)
	assert.True(t, d.TotalFare.IsZero())
	assert.True(t, d.AvgFare.IsZero())
	assert.True(t, d.MinFare.IsZero())
	assert.True(t, d.MaxFare.IsZero())
}

func TestAggregator_EmptyDayHasNoRow(t *testing.T) {
	report, err := New(seed(t)).Run(context.Background(), []string{"2025-04-19"})
	require.NoError(t, err)
	assert.Empty(t, report.DailyKPIs)
	assert.NotNil(t, report.DailyKPIs)
	assert.Equal(t, "2025-04-19", report.Metadata.DateRange.StartDate)
}

func TestAggregator_SkipsUndecodable(t *testing.T) {
	s := seed(t)
	_, err := s.PutIfAbsent(context.Background(), eventstore.Item{
		PK: "BAD", SK: model.CompletedSortKey, Index: "2025-04-20", Data: json.RawMessage(`"nope"`),
	})
	require.NoError(t, err)

	report, err := New(s).Run(context.Background(), []string{"2025-04-20"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Metadata.Skipped)
	assert.Equal(t, 2, report.Metadata.RecordCount)
}

func TestAggregator_IgnoresRawFacts(t *testing.T) {
	s := seed(t)
	_, err := s.PutIfAbsent(context.Background(), eventstore.Item{
		PK: "T7", SK: "RAW#END", Index: "2025-04-20", Status: "UNMATCHED", Data: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	report, err := New(s).Run(context.Background(), []string{"2025-04-20"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Metadata.RecordCount)
	assert.Zero(t, report.Metadata.Skipped)
}

func TestAggregator_BadInput(t *testing.T) {
	_, err := New(eventstore.NewMemory()).Run(context.Background(), nil)
	assert.Error(t, err)
	_, err = New(eventstore.NewMemory()).Run(context.Background(), []string{"20-04-2025"})
	assert.Error(t, err)
}

func TestAggregator_StoreError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(seed(t)).Run(ctx, []string{"2025-04-20"})
	assert.Error(t, err)
}

func TestDaysBetween(t *testing.T) {
	days, err := DaysBetween("2025-02-27", "2025-03-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-02-27", "2025-02-28", "2025-03-01", "2025-03-02"}, days)

	days, err = DaysBetween("2025-04-20", "2025-04-20")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-04-20"}, days)

	_, err = DaysBetween("2025-04-21", "2025-04-20")
	assert.Error(t, err)
	_, err = DaysBetween("x", "2025-04-20")
	assert.Error(t, err)
}

func TestYesterday(t *testing.T) {
	assert.Equal(t, "2025-04-29", Yesterday(time.Date(2025, 5, 1, 0, 30, 0, 0, time.FixedZone("X", 2*3600))))
	assert.Equal(t, "2025-04-30", Yesterday(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)))
}
