package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/config"
)

// ScheduleWorkflowID is the fixed id of the cron workflow, so registering
// twice does not start a second schedule.
const ScheduleWorkflowID = "tripjoin-daily-stats"

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewZapLogger(zap.L().With(zap.String("component", "temporal"))),
	})
	if err != nil {
		return nil, eris.Wrap(err, "temporal: dial")
	}
	return c, nil
}

// NewWorker registers the workflow and activities on the configured task queue.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(DailyStatsWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Starter is the part of client.Client used to start workflows.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// StartOptions builds the start options. An empty cron runs the workflow once.
func StartOptions(cfg config.TemporalConfig, id, cron string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:           id,
		TaskQueue:    cfg.TaskQueue,
		CronSchedule: cron,
	}
}

// Schedule registers the cron workflow with cfg.CronSchedule.
func Schedule(ctx context.Context, c Starter, cfg config.TemporalConfig) (string, error) {
	if cfg.CronSchedule == "" {
		return "", eris.New("temporal: cron_schedule is empty")
	}
	run, err := c.ExecuteWorkflow(ctx, StartOptions(cfg, ScheduleWorkflowID, cfg.CronSchedule), DailyStatsWorkflow, DailyStatsInput{})
	if err != nil {
		return "", eris.Wrap(err, "temporal: schedule daily stats")
	}
	zap.L().Info("daily stats scheduled",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
		zap.String("cron", cfg.CronSchedule))
	return run.GetRunID(), nil
}

// RunOnce starts a single workflow for days without waiting for it.
func RunOnce(ctx context.Context, c Starter, cfg config.TemporalConfig, id string, days []string) (string, error) {
	run, err := c.ExecuteWorkflow(ctx, StartOptions(cfg, id, ""), DailyStatsWorkflow, DailyStatsInput{Days: days})
	if err != nil {
		return "", eris.Wrap(err, "temporal: start daily stats")
	}
	return run.GetRunID(), nil
}
