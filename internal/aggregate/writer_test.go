package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tripjoin/internal/eventstore"
	"github.com/sells-group/tripjoin/internal/model"
)

func sampleReport() *model.Report {
	return &model.Report{
		Metadata: model.ReportMetadata{
			ReportGenerated: generated,
			Source:          "completed_trips",
			RecordCount:     3,
			DateRange:       model.DateRange{StartDate: "2025-04-20", EndDate: "2025-04-21"},
			KPICount:        2,
		},
		DailyKPIs: []model.DailyStats{
			{
				Date: "2025-04-20", TripCount: 2, FaredTripCount: 2,
				TotalFare: decimal.RequireFromString("56.25"), AvgFare: decimal.RequireFromString("28.13"),
				MinFare: decimal.RequireFromString("25.5"), MaxFare: decimal.RequireFromString("30.75"),
			},
			{Date: "2025-04-21", TripCount: 1},
		},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var got struct {
		Metadata struct {
			RecordCount int `json:"record_count"`
			DateRange   struct {
				StartDate string `json:"start_date"`
			} `json:"date_range"`
		} `json:"metadata"`
		DailyKPIs []map[string]any `json:"daily_kpis"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 3, got.Metadata.RecordCount)
	assert.Equal(t, "2025-04-20", got.Metadata.DateRange.StartDate)
	require.Len(t, got.DailyKPIs, 2)
	assert.Equal(t, "56.25", got.DailyKPIs[0]["total_fare"])
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleReport()))
	assert.Equal(t,
		"date,trip_count,fared_trip_count,total_fare,avg_fare,min_fare,max_fare\n"+
			"2025-04-20,2,2,56.25,28.13,25.5,30.75\n"+
			"2025-04-21,1,0,0,0,0,0\n",
		buf.String())
}

func TestWriters_AgreeOnRoundedMoney(t *testing.T) {
	s := eventstore.NewMemory()
	putCompleted(t, s, "T1", "2025-04-20", fp(12.345))
	putCompleted(t, s, "T2", "2025-04-20", fp(10.001))
	report, err := New(s, WithClock(func() time.Time { return generated })).Run(context.Background(), []string{"2025-04-20"})
	require.NoError(t, err)

	var js bytes.Buffer
	require.NoError(t, WriteJSON(&js, report))
	var got struct {
		DailyKPIs []map[string]any `json:"daily_kpis"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &got))
	require.Len(t, got.DailyKPIs, 1)
	assert.Equal(t, "22.35", got.DailyKPIs[0]["total_fare"])
	assert.Equal(t, "11.17", got.DailyKPIs[0]["avg_fare"])
	assert.Equal(t, "10", got.DailyKPIs[0]["min_fare"])
	assert.Equal(t, "12.35", got.DailyKPIs[0]["max_fare"])

	var csv bytes.Buffer
	require.NoError(t, WriteCSV(&csv, report))
	assert.Contains(t, csv.String(), "2025-04-20,2,2,22.35,11.17,10,12.35\n")
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, &model.Report{}))
	assert.Equal(t, "date,trip_count,fared_trip_count,total_fare,avg_fare,min_fare,max_fare\n", buf.String())
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleReport()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	kpis, ok := f.Sheet["daily_kpis"]
	require.True(t, ok)
	require.Len(t, kpis.Rows, 3)
	assert.Equal(t, "date", kpis.Rows[0].Cells[0].String())
	assert.Equal(t, "2025-04-20", kpis.Rows[1].Cells[0].String())
	n, err := kpis.Rows[1].Cells[1].Int()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	fare, err := kpis.Rows[1].Cells[3].Float()
	require.NoError(t, err)
	assert.InDelta(t, 56.25, fare, 0.001)

	meta, ok := f.Sheet["metadata"]
	require.True(t, ok)
	assert.Equal(t, "source", meta.Rows[1].Cells[0].String())
	assert.Equal(t, "completed_trips", meta.Rows[1].Cells[1].String())
}

func TestEncode_UnknownFormat(t *testing.T) {
	assert.Error(t, Encode(&bytes.Buffer{}, "parquet", sampleReport()))
}

func TestFileName(t *testing.T) {
	r := sampleReport()
	assert.Equal(t, "trip_kpis_2025-04-20_2025-04-21.csv", FileName(r, FormatCSV))
	r.Metadata.DateRange.EndDate = "2025-04-20"
	assert.Equal(t, "trip_kpis_2025-04-20.json", FileName(r, FormatJSON))
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := WriteFile(dir, FormatCSV, sampleReport())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "trip_kpis_2025-04-20_2025-04-21.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2025-04-20,2,2,56.25")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteFile_BadFormatLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteFile(dir, "parquet", sampleReport())
	require.Error(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
