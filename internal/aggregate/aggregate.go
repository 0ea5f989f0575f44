// Package aggregate computes per-day statistics over completed trips and
// writes them as JSON, CSV or XLSX reports or into Postgres tables.
package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/model"
)

const dayLayout = "2006-01-02"

// fareScale is the number of decimal places money is reported with.
const fareScale = 2

// Aggregator reads CompletedTrip items by completion date.
type Aggregator struct {
	store    eventstore.Store
	pageSize int
	source   string
	now      func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPageSize sets the scan page size.
func WithPageSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// WithSource sets the metadata.source label.
func WithSource(s string) Option {
	return func(a *Aggregator) { a.source = s }
}

// WithClock overrides the report timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator over store.
func New(store eventstore.Store, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, pageSize: 500, source: "completed_trips", now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run builds a report for the given days (YYYY-MM-DD). Days are sorted and
// deduplicated; a day without completed trips produces no row.
func (a *Aggregator) Run(ctx context.Context, days []string) (*model.Report, error) {
	days, err := NormalizeDays(days)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "aggregate"))

	report := &model.Report{DailyKPIs: []model.DailyStats{}}
	for _, day := range days {
		acc := newDayAccumulator(day)
		err := eventstore.ScanAll(ctx, a.store, eventstore.ScanFilter{
			SKPrefix: model.CompletedSortKey,
			Index:    day,
			Limit:    a.pageSize,
		}, func(it eventstore.Item) error {
			trip, err := eventstore.CompletedFromItem(it)
			if err != nil {
				report.Metadata.Skipped++
				log.Warn("skipping undecodable completed trip", zap.String("trip_id", it.PK), zap.Error(err))
				return nil
			}
			acc.add(trip)
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "aggregate: scan %s", day)
		}
		if acc.trips == 0 {
			continue
		}
		report.Metadata.RecordCount += acc.trips
		report.DailyKPIs = append(report.DailyKPIs, acc.stats())
	}

	report.Metadata.ReportGenerated = a.now().UTC()
	report.Metadata.Source = a.source
	report.Metadata.KPICount = len(report.DailyKPIs)
	report.Metadata.DateRange = model.DateRange{StartDate: days[0], EndDate: days[len(days)-1]}

	log.Info("aggregation complete",
		zap.Int("days", len(days)),
		zap.Int("records", report.Metadata.RecordCount),
		zap.Int("skipped", report.Metadata.Skipped))
	return report, nil
}

type dayAccumulator struct {
	day      string
	trips    int
	fared    int
	total    decimal.Decimal
	min, max decimal.Decimal
}

func newDayAccumulator(day string) *dayAccumulator {
	return &dayAccumulator{day: day}
}

// add counts the trip; only trips with a derived fare feed the fare columns.
func (d *dayAccumulator) add(t model.CompletedTrip) {
	d.trips++
	if t.DerivedFare == nil {
		return
	}
	fare := decimal.NewFromFloat(*t.DerivedFare)
	if d.fared == 0 || fare.LessThan(d.min) {
		d.min = fare
	}
	if d.fared == 0 || fare.GreaterThan(d.max) {
		d.max = fare
	}
	d.fared++
	d.total = d.total.Add(fare)
}

func (d *dayAccumulator) stats() model.DailyStats {
	s := model.DailyStats{
		Date:           d.day,
		TripCount:      d.trips,
		FaredTripCount: d.fared,
		TotalFare:      d.total.Round(fareScale),
		MinFare:        d.min.Round(fareScale),
		MaxFare:        d.max.Round(fareScale),
	}
	if d.fared > 0 {
		s.AvgFare = d.total.DivRound(decimal.NewFromInt(int64(d.fared)), fareScale)
	}
	return s
}

// NormalizeDays validates YYYY-MM-DD days and returns them sorted and
// deduplicated.
func NormalizeDays(days []string) ([]string, error) {
	if len(days) == 0 {
		return nil, eris.New("aggregate: no days given")
	}
	seen := make(map[string]bool, len(days))
	out := make([]string, 0, len(days))
	for _, d := range days {
		t, err := time.Parse(dayLayout, d)
		if err != nil {
			return nil, eris.Wrapf(err, "aggregate: bad day %q", d)
		}
		key := t.Format(dayLayout)
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// DaysBetween lists every day from start to end inclusive.
func DaysBetween(start, end string) ([]string, error) {
	from, err := time.Parse(dayLayout, start)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregate: bad start day %q", start)
	}
	to, err := time.Parse(dayLayout, end)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregate: bad end day %q", end)
	}
	if to.Before(from) {
		return nil, eris.Errorf("aggregate: end %s is before start %s", end, start)
	}
	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dayLayout))
	}
	return days, nil
}

// Yesterday returns the UTC day before now.
func Yesterday(now time.Time) string {
	return now.UTC().AddDate(0, 0, -1).Format(dayLayout)
}
