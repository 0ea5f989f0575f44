//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tripjoin/internal/aggregate"
	"github.com/sells-group/tripjoin/internal/config"
	"github.com/sells-group/tripjoin/internal/matcher"
	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/monitoring"
	"github.com/sells-group/tripjoin/internal/resilience"
)

// useTestConfig loads defaults in a fresh directory, so the sqlite store
// lands in a temp dir.
func useTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	oldCfg := cfg
	c, err := config.Load()
	require.NoError(t, err)
	cfg = c
	cfg.Matcher.PollIntervalMs = 10
	t.Cleanup(func() { cfg = oldCfg })
	return dir
}

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := cmd.RunE(cmd, args)
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func resetIngestFlags(t *testing.T) {
	t.Cleanup(func() {
		ingestFormat, ingestHalf, ingestSheet = "", "", ""
		ingestBatchSize, ingestMatch, ingestJSON = 500, false, false
	})
}

func TestIngestMatchAggregate_EndToEnd(t *testing.T) {
	dir := useTestConfig(t)
	resetIngestFlags(t)

	starts := writeFile(t, dir, "trip_start.csv",
		"trip_id,event_timestamp,fare\nT1,2025-04-20T08:00:00Z,12.5\nT2,2025-04-20T09:00:00Z,\n")
	ends := writeFile(t, dir, "trip_end.ndjson",
		`{"trip_id":"T1","event_timestamp":"2025-04-20T08:30:00Z","fare":17}`+"\n")

	ingestMatch = true
	ingestBatchSize = 1
	out, err := runCmd(t, ingestCmd, starts, ends, starts)
	require.NoError(t, err)
	assert.Contains(t, out, "ACCEPTED")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"3", "2", "0", "0", "0"}, strings.Fields(lines[1]))

	statusTrip = "T1"
	t.Cleanup(func() { statusTrip = "" })
	out, err = runCmd(t, statusCmd)
	require.NoError(t, err)
	var view matcher.TripView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, model.TripCompleted, view.State)
	require.NotNil(t, view.Completed)
	assert.Equal(t, 17.0, *view.Completed.DerivedFare)

	aggregateDays = []string{"2025-04-20"}
	aggregateOutputDir = filepath.Join(dir, "reports")
	t.Cleanup(func() { aggregateDays, aggregateOutputDir = nil, "" })
	require.NoError(t, os.MkdirAll(aggregateOutputDir, 0o755))

	out, err = runCmd(t, aggregateCmd)
	require.NoError(t, err)
	var res aggregate.JobResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.RecordCount)
	assert.Equal(t, 1, res.KPICount)
	assert.Equal(t, filepath.Join(aggregateOutputDir, "trip_kpis_2025-04-20.json"), res.Path)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	var report model.Report
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.DailyKPIs, 1)
	assert.Equal(t, "17", report.DailyKPIs[0].TotalFare.String())
}

func TestIngest_RejectedEventsFailCommand(t *testing.T) {
	dir := useTestConfig(t)
	resetIngestFlags(t)

	src := writeFile(t, dir, "events.json",
		`[{"trip_id":"T1","half_type":"trip_start","event_timestamp":"2025-04-20T08:00:00Z"},
		  {"trip_id":"T2","half_type":"sideways","event_timestamp":"2025-04-20T08:00:00Z"}]`)

	out, err := runCmd(t, ingestCmd, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 rejected")
	assert.Contains(t, out, "INDEX")
	assert.Contains(t, out, "T2")

	dlqJSON = true
	t.Cleanup(func() { dlqJSON = false })
	out, err = runCmd(t, dlqListCmd)
	require.NoError(t, err)
	var entries []resilience.DLQEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, resilience.StageIngest, entries[0].Stage)

	_, err = runCmd(t, dlqRemoveCmd, entries[0].ID)
	require.NoError(t, err)
	_, err = runCmd(t, dlqRemoveCmd, entries[0].ID)
	assert.Error(t, err)
}

func TestIngest_BadFlags(t *testing.T) {
	useTestConfig(t)
	resetIngestFlags(t)

	ingestHalf = "middle"
	_, err := runCmd(t, ingestCmd, "x.csv")
	assert.Error(t, err)

	ingestHalf = ""
	ingestFormat = "parquet"
	_, err = runCmd(t, ingestCmd, "x.csv")
	assert.Error(t, err)
}

func TestMatchAndReconcile(t *testing.T) {
	dir := useTestConfig(t)
	resetIngestFlags(t)

	src := writeFile(t, dir, "events.ndjson",
		`{"trip_id":"T1","half_type":"trip_start","event_timestamp":"2025-04-20T08:00:00Z"}`+"\n"+
			`{"trip_id":"T1","half_type":"trip_end","event_timestamp":"2025-04-20T08:30:00Z","fare":9}`+"\n")
	_, err := runCmd(t, ingestCmd, src)
	require.NoError(t, err)

	// The facts were just received, so nothing is old enough yet.
	reconcileAfter = time.Hour
	t.Cleanup(func() { reconcileAfter = 0 })
	out, err := runCmd(t, reconcileCmd)
	require.NoError(t, err)
	var rec matcher.ReconcileResult
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Zero(t, rec.Scanned)

	out, err = runCmd(t, matchCmd)
	require.NoError(t, err)
	var stats matcher.DispatchStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.AlreadyCompleted)
}

func TestStatus_Snapshot(t *testing.T) {
	useTestConfig(t)

	statusJSON = true
	t.Cleanup(func() { statusJSON = false })
	out, err := runCmd(t, statusCmd)
	require.NoError(t, err)
	var got struct {
		Snapshot monitoring.MetricsSnapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Zero(t, got.Snapshot.StaleHalfTrips)
}

func TestMigrate(t *testing.T) {
	dir := useTestConfig(t)
	_, err := runCmd(t, migrateCmd)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "tripjoin.db"))
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "dynamo"
	_, err := initEnv(context.Background(), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}
