package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/ingest"
	"github.com/sells-group/tripjoin/internal/matcher"
	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/resilience"
)

var received = time.Date(2025, 4, 20, 9, 0, 0, 0, time.UTC)

func ingestAt(t *testing.T, s eventstore.Store, at time.Time, raws ...string) {
	t.Helper()
	var evs []model.InboundEvent
	for _, r := range raws {
		ev, err := ingest.DecodeEvent([]byte(r))
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	res := ingest.New(s, ingest.WithClock(func() time.Time { return at })).Ingest(context.Background(), evs)
	require.False(t, res.PartialFailure(), "%+v", res.Outcomes)
}

func start(id string) string {
	return `{"trip_id":"` + id + `","half_type":"trip_start","event_timestamp":"2025-04-20T08:00:00Z"}`
}

func end(id string) string {
	return `{"trip_id":"` + id + `","half_type":"trip_end","event_timestamp":"2025-04-20T08:30:00Z","fare":9}`
}

// seedStore leaves:
//   - A and B with one old half
//   - C with both old halves but never matched
//   - D completed
//   - E with one recent half
//   - one merge and one ingest dead letter
func seedStore(t *testing.T) (*eventstore.MemoryStore, *matcher.Matcher) {
	s := eventstore.NewMemory()
	m := matcher.New(s, nil)
	ctx := context.Background()

	ingestAt(t, s, received, start("A"), end("B"), start("C"), end("C"), start("D"), end("D"))
	ingestAt(t, s, received.Add(-30*time.Minute), start("B0"))
	_, err := m.Complete(ctx, rawFact(t, s, "D", model.HalfEnd))
	require.NoError(t, err)
	ingestAt(t, s, received.Add(110*time.Minute), start("E"))

	require.NoError(t, s.EnqueueDLQ(ctx, resilience.DLQEntry{ID: "merge:X", Stage: resilience.StageMerge, TripID: "X", Error: "bad", ErrorType: resilience.ErrorTypeMerge}))
	require.NoError(t, s.EnqueueDLQ(ctx, resilience.DLQEntry{ID: "i1", Stage: resilience.StageIngest, Error: "bad", ErrorType: resilience.ErrorTypeValidation}))
	return s, m
}

func rawFact(t *testing.T, s eventstore.Store, id string, h model.HalfType) model.RawFact {
	t.Helper()
	it, err := s.Get(context.Background(), id, h.SortKey(), eventstore.Consistent())
	require.NoError(t, err)
	require.NotNil(t, it)
	f, err := eventstore.FactFromItem(*it)
	require.NoError(t, err)
	return f
}

func newTestCollector(s eventstore.Store, m *matcher.Matcher) *Collector {
	c := NewCollector(s, m)
	c.now = func() time.Time { return received.Add(2 * time.Hour) }
	return c
}

func TestCollector_Collect(t *testing.T) {
	s, m := seedStore(t)

	snap, err := newTestCollector(s, m).Collect(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.StaleHalfTrips, "A, B and B0")
	assert.Equal(t, 1, snap.StaleUncommitted, "C")
	assert.Equal(t, []string{"A", "B", "B0", "C"}, snap.SampleTripIDs)
	require.NotNil(t, snap.OldestStaleAt)
	assert.Equal(t, received.Add(-30*time.Minute), *snap.OldestStaleAt)

	assert.Equal(t, 2, snap.DLQDepth)
	assert.Equal(t, 1, snap.MergeFailures)
	assert.Equal(t, map[string]int{"merge": 1, "ingest": 1}, snap.DeadLetters)
	assert.Equal(t, 60, snap.StalenessMins)
	assert.Equal(t, received.Add(2*time.Hour), snap.CollectedAt)
}

func TestCollector_WindowExcludesRecentFacts(t *testing.T) {
	s, m := seedStore(t)

	snap, err := newTestCollector(s, m).Collect(context.Background(), 3*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, snap.StaleHalfTrips)
	assert.Zero(t, snap.StaleUncommitted)
	assert.Nil(t, snap.OldestStaleAt)
}

func TestCollector_ScanError(t *testing.T) {
	s, m := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestCollector(s, m).Collect(ctx, time.Hour)
	assert.Error(t, err)
}
