package aggregate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tripjoin/internal/model"
)

// Format is a report file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Encode writes report to w in the given format.
func Encode(w io.Writer, format Format, report *model.Report) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, report)
	case FormatCSV:
		return WriteCSV(w, report)
	case FormatXLSX:
		return WriteXLSX(w, report)
	}
	return eris.Errorf("aggregate: unsupported format %q", format)
}

// WriteJSON writes the full report, metadata included.
func WriteJSON(w io.Writer, report *model.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(report), "aggregate: encode json")
}

// WriteCSV writes one row per day. Metadata is not part of the CSV.
func WriteCSV(w io.Writer, report *model.Report) error {
	if len(report.DailyKPIs) == 0 {
		header, err := csvutil.Header(model.DailyStats{}, "csv")
		if err != nil {
			return eris.Wrap(err, "aggregate: csv header")
		}
		_, err = io.WriteString(w, strings.Join(header, ",")+"\n")
		return eris.Wrap(err, "aggregate: write csv")
	}

	data, err := csvutil.Marshal(report.DailyKPIs)
	if err != nil {
		return eris.Wrap(err, "aggregate: encode csv")
	}
	_, err = w.Write(data)
	return eris.Wrap(err, "aggregate: write csv")
}

var xlsxColumns = []string{"date", "trip_count", "fared_trip_count", "total_fare", "avg_fare", "min_fare", "max_fare"}

// WriteXLSX writes a workbook with a daily_kpis sheet and a metadata sheet.
func WriteXLSX(w io.Writer, report *model.Report) error {
	f := xlsx.NewFile()

	kpis, err := f.AddSheet("daily_kpis")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}
	addStringRow(kpis, xlsxColumns...)
	for _, d := range report.DailyKPIs {
		row := kpis.AddRow()
		row.AddCell().SetString(d.Date)
		row.AddCell().SetInt(d.TripCount)
		row.AddCell().SetInt(d.FaredTripCount)
		for _, v := range []decimal.Decimal{d.TotalFare, d.AvgFare, d.MinFare, d.MaxFare} {
			row.AddCell().SetFloatWithFormat(v.InexactFloat64(), "0.00")
		}
	}

	meta, err := f.AddSheet("metadata")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}
	m := report.Metadata
	addStringRow(meta, "report_generated", m.ReportGenerated.Format(time.RFC3339))
	addStringRow(meta, "source", m.Source)
	addStringRow(meta, "record_count", strconv.Itoa(m.RecordCount))
	addStringRow(meta, "skipped", strconv.Itoa(m.Skipped))
	addStringRow(meta, "start_date", m.DateRange.StartDate)
	addStringRow(meta, "end_date", m.DateRange.EndDate)
	addStringRow(meta, "kpi_count", strconv.Itoa(m.KPICount))

	return eris.Wrap(f.Write(w), "xlsx: write workbook")
}

func addStringRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

// FileName is the report file name for a date range.
func FileName(report *model.Report, format Format) string {
	r := report.Metadata.DateRange
	if r.StartDate == r.EndDate {
		return fmt.Sprintf("trip_kpis_%s.%s", r.StartDate, format)
	}
	return fmt.Sprintf("trip_kpis_%s_%s.%s", r.StartDate, r.EndDate, format)
}

// WriteFile writes the report into dir and returns its path. The file is
// written under a temporary name and renamed, so readers never see a
// partial report.
func WriteFile(dir string, format Format, report *model.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "aggregate: create output dir")
	}
	tmp, err := os.CreateTemp(dir, ".trip_kpis-*")
	if err != nil {
		return "", eris.Wrap(err, "aggregate: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := Encode(tmp, format, report); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "aggregate: close temp file")
	}

	path := filepath.Join(dir, FileName(report, format))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", eris.Wrap(err, "aggregate: rename report")
	}
	return path, nil
}
