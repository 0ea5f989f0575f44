// Package monitoring watches for trips stuck with one half and for growing
// dead-letter queues, and posts threshold alerts to a webhook.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/matcher"
	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/resilience"
)

const maxSampleTrips = 20

// MetricsSnapshot holds a point-in-time view of completion health.
type MetricsSnapshot struct {
	// Trips whose only fact is older than the staleness window.
	StaleHalfTrips int `json:"stale_half_trips"`
	// Trips with both facts stored but no completed record; the matcher
	// never saw a notification for them.
	StaleUncommitted int        `json:"stale_uncommitted"`
	OldestStaleAt    *time.Time `json:"oldest_stale_at,omitempty"`
	SampleTripIDs    []string   `json:"sample_trip_ids,omitempty"`

	DeadLetters   map[string]int `json:"dead_letters"`
	DLQDepth      int            `json:"dlq_depth"`
	MergeFailures int            `json:"merge_failures"`

	StalenessMins int       `json:"staleness_mins"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the event store.
type Collector struct {
	store   eventstore.Store
	matcher *matcher.Matcher
	now     func() time.Time
}

// NewCollector creates a collector. m derives trip state.
func NewCollector(st eventstore.Store, m *matcher.Matcher) *Collector {
	return &Collector{store: st, matcher: m, now: time.Now}
}

// Collect scans unmatched facts older than staleness and counts dead letters.
func (c *Collector) Collect(ctx context.Context, staleness time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		StalenessMins: int(staleness / time.Minute),
		CollectedAt:   now,
	}

	oldest := make(map[string]time.Time)
	err := eventstore.ScanAll(ctx, c.store, eventstore.ScanFilter{
		SKPrefix:      model.RawSortKeyPrefix,
		Status:        string(model.StateUnmatched),
		CreatedBefore: now.Add(-staleness),
		Limit:         500,
	}, func(it eventstore.Item) error {
		if t, ok := oldest[it.PK]; !ok || it.CreatedAt.Before(t) {
			oldest[it.PK] = it.CreatedAt
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: scan unmatched facts")
	}

	ids := make([]string, 0, len(oldest))
	for id := range oldest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		view, err := c.matcher.TripState(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: trip state %s", id)
		}
		switch view.State {
		case model.TripOneHalf:
			snap.StaleHalfTrips++
		case model.TripBothHalvesUncommitted:
			snap.StaleUncommitted++
		default:
			// Completed while its facts were still marked unmatched.
			continue
		}
		if t := oldest[id]; snap.OldestStaleAt == nil || t.Before(*snap.OldestStaleAt) {
			snap.OldestStaleAt = &t
		}
		if len(snap.SampleTripIDs) < maxSampleTrips {
			snap.SampleTripIDs = append(snap.SampleTripIDs, id)
		}
	}

	counts, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DeadLetters = counts
	for _, n := range counts {
		snap.DLQDepth += n
	}
	snap.MergeFailures = counts[resilience.StageMerge]

	return snap, nil
}
