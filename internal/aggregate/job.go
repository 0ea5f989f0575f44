package aggregate

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/model"
)

// ReportSink stores a computed report somewhere other than a file.
type ReportSink interface {
	Write(ctx context.Context, report *model.Report) (int64, error)
}

// Publisher ships a written report file elsewhere.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Job runs an aggregation and delivers the report. At least one of
// OutputDir or Sink must be set; Publisher needs OutputDir.
type Job struct {
	Aggregator *Aggregator
	Format     Format
	OutputDir  string
	Sink       ReportSink
	Publisher  Publisher
}

// JobResult summarizes one run.
type JobResult struct {
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	RecordCount int    `json:"record_count"`
	Skipped     int    `json:"skipped"`
	KPICount    int    `json:"kpi_count"`
	Path        string `json:"path,omitempty"`
	RemotePath  string `json:"remote_path,omitempty"`
	RowsWritten int64  `json:"rows_written,omitempty"`
}

// Run aggregates days and delivers the report.
func (j *Job) Run(ctx context.Context, days []string) (JobResult, error) {
	if j.OutputDir == "" && j.Sink == nil {
		return JobResult{}, eris.New("aggregate: job has neither an output dir nor a sink")
	}
	if j.Publisher != nil && j.OutputDir == "" {
		return JobResult{}, eris.New("aggregate: publishing needs an output dir")
	}

	report, err := j.Aggregator.Run(ctx, days)
	if err != nil {
		return JobResult{}, err
	}
	res := JobResult{
		StartDate:   report.Metadata.DateRange.StartDate,
		EndDate:     report.Metadata.DateRange.EndDate,
		RecordCount: report.Metadata.RecordCount,
		Skipped:     report.Metadata.Skipped,
		KPICount:    report.Metadata.KPICount,
	}

	if j.OutputDir != "" {
		format := j.Format
		if format == "" {
			format = FormatJSON
		}
		if res.Path, err = WriteFile(j.OutputDir, format, report); err != nil {
			return res, err
		}
	}
	if j.Sink != nil {
		if res.RowsWritten, err = j.Sink.Write(ctx, report); err != nil {
			return res, err
		}
	}
	if j.Publisher != nil {
		if res.RemotePath, err = j.Publisher.Publish(ctx, res.Path); err != nil {
			return res, err
		}
	}
	return res, nil
}
