package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyStats is one row of the per-day aggregation output.
// FaredTripCount counts the trips that contributed to the fare columns.
type DailyStats struct {
	Date           string          `json:"date" csv:"date"`
	TripCount      int             `json:"trip_count" csv:"trip_count"`
	FaredTripCount int             `json:"fared_trip_count" csv:"fared_trip_count"`
	TotalFare      decimal.Decimal `json:"total_fare" csv:"total_fare"`
	AvgFare        decimal.Decimal `json:"avg_fare" csv:"avg_fare"`
	MinFare        decimal.Decimal `json:"min_fare" csv:"min_fare"`
	MaxFare        decimal.Decimal `json:"max_fare" csv:"max_fare"`
}

// DateRange bounds the days covered by a report.
type DateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ReportMetadata describes how and when a report was produced.
type ReportMetadata struct {
	ReportGenerated time.Time `json:"report_generated"`
	Source          string    `json:"source"`
	RecordCount     int       `json:"record_count"`
	Skipped         int       `json:"skipped"`
	DateRange       DateRange `json:"date_range"`
	KPICount        int       `json:"kpi_count"`
}

// Report is the full aggregation artifact.
type Report struct {
	Metadata  ReportMetadata `json:"metadata"`
	DailyKPIs []DailyStats   `json:"daily_kpis"`
}
