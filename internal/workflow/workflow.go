// Package workflow schedules the daily statistics aggregation on Temporal.
package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/tripjoin/internal/aggregate"
)

// DailyStatsInput selects the days to aggregate. Empty means yesterday,
// measured in workflow time, so a cron run at 00:15 covers the day that
// just ended.
type DailyStatsInput struct {
	Days []string `json:"days,omitempty"`
}

var activityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    10 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    5,
	},
}

// DailyStatsWorkflow runs the aggregation activity once for the requested days.
func DailyStatsWorkflow(ctx workflow.Context, in DailyStatsInput) (aggregate.JobResult, error) {
	logger := workflow.GetLogger(ctx)

	days := in.Days
	if len(days) == 0 {
		days = []string{aggregate.Yesterday(workflow.Now(ctx))}
	}
	days, err := aggregate.NormalizeDays(days)
	if err != nil {
		return aggregate.JobResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidDays", err)
	}
	logger.Info("daily stats workflow started", "start", days[0], "end", days[len(days)-1])

	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var a *Activities
	var res aggregate.JobResult
	if err := workflow.ExecuteActivity(ctx, a.RunAggregation, days).Get(ctx, &res); err != nil {
		return aggregate.JobResult{}, err
	}

	logger.Info("daily stats workflow finished",
		"records", res.RecordCount,
		"kpis", res.KPICount,
		"path", res.Path)
	return res, nil
}

// Activities holds the dependencies of the aggregation activity.
type Activities struct {
	Job *aggregate.Job
}

// RunAggregation computes and delivers the report for days.
func (a *Activities) RunAggregation(ctx context.Context, days []string) (aggregate.JobResult, error) {
	activity.GetLogger(ctx).Info("aggregating", "days", len(days))
	return a.Job.Run(ctx, days)
}
