package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/db"
	"github.com/sells-group/tripjoin/internal/model"
)

// SinkMode selects how the Postgres sink stores a report.
type SinkMode string

const (
	// SinkOverwrite upserts one row per date into the stats table.
	SinkOverwrite SinkMode = "overwrite"
	// SinkAppend copies every run into the history table.
	SinkAppend SinkMode = "append"
)

var statColumns = []string{"date", "trip_count", "fared_trip_count", "total_fare", "avg_fare", "min_fare", "max_fare"}

// PostgresSink writes daily stats into Postgres.
type PostgresSink struct {
	pool         db.Pool
	table        string
	historyTable string
	mode         SinkMode
}

// NewPostgresSink creates a sink. table is used in overwrite mode and
// historyTable in append mode.
func NewPostgresSink(pool db.Pool, table, historyTable string, mode SinkMode) (*PostgresSink, error) {
	switch mode {
	case SinkOverwrite, SinkAppend:
	default:
		return nil, eris.Errorf("aggregate: unknown postgres mode %q", mode)
	}
	return &PostgresSink{pool: pool, table: table, historyTable: historyTable, mode: mode}, nil
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

// EnsureSchema creates both tables if they are missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	date             DATE PRIMARY KEY,
	trip_count       INTEGER NOT NULL,
	fared_trip_count INTEGER NOT NULL,
	total_fare       NUMERIC(14,2) NOT NULL,
	avg_fare         NUMERIC(14,2) NOT NULL,
	min_fare         NUMERIC(14,2) NOT NULL,
	max_fare         NUMERIC(14,2) NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`, quoteTable(s.table))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "aggregate: create %s", s.table)
	}

	ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	report_generated TIMESTAMPTZ NOT NULL,
	date             DATE NOT NULL,
	trip_count       INTEGER NOT NULL,
	fared_trip_count INTEGER NOT NULL,
	total_fare       NUMERIC(14,2) NOT NULL,
	avg_fare         NUMERIC(14,2) NOT NULL,
	min_fare         NUMERIC(14,2) NOT NULL,
	max_fare         NUMERIC(14,2) NOT NULL
)`, quoteTable(s.historyTable))
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrapf(err, "aggregate: create %s", s.historyTable)
	}
	return nil
}

// Write stores the report's daily rows and returns the rows affected.
func (s *PostgresSink) Write(ctx context.Context, report *model.Report) (int64, error) {
	if len(report.DailyKPIs) == 0 {
		return 0, nil
	}

	var (
		n   int64
		err error
	)
	switch s.mode {
	case SinkOverwrite:
		rows := make([][]any, len(report.DailyKPIs))
		for i, d := range report.DailyKPIs {
			if rows[i], err = statRow(d); err != nil {
				return 0, err
			}
		}
		n, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        s.table,
			Columns:      statColumns,
			ConflictKeys: []string{"date"},
		}, rows)
	case SinkAppend:
		rows := make([][]any, len(report.DailyKPIs))
		for i, d := range report.DailyKPIs {
			row, rerr := statRow(d)
			if rerr != nil {
				return 0, rerr
			}
			rows[i] = append([]any{report.Metadata.ReportGenerated}, row...)
		}
		n, err = db.CopyFrom(ctx, s.pool, s.historyTable, append([]string{"report_generated"}, statColumns...), rows)
	}
	if err != nil {
		return 0, eris.Wrap(err, "aggregate: postgres sink")
	}

	zap.L().Info("aggregate: stats written to postgres",
		zap.String("component", "aggregate"),
		zap.String("mode", string(s.mode)),
		zap.Int64("rows", n))
	return n, nil
}

func statRow(d model.DailyStats) ([]any, error) {
	day, err := time.Parse(dayLayout, d.Date)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregate: bad stats date %q", d.Date)
	}
	return []any{
		day,
		d.TripCount,
		d.FaredTripCount,
		numeric(d.TotalFare),
		numeric(d.AvgFare),
		numeric(d.MinFare),
		numeric(d.MaxFare),
	}, nil
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
