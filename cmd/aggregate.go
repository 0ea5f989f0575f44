package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/aggregate"
	"github.com/sells-group/tripjoin/internal/workflow"
)

var (
	aggregateDays      []string
	aggregateFrom      string
	aggregateTo        string
	aggregateFormat    string
	aggregateOutputDir string
	aggregateTemporal  bool
	aggregateSchedule  bool
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute daily trip and fare statistics",
	Long: `Aggregates completed trips by completion date into daily KPIs (trip count,
fared trips, total, average, min and max fare) and writes a json, csv or xlsx
report, a Postgres table, or both. Defaults to yesterday (UTC).

With --temporal the run is started as a Temporal workflow; with --schedule the
daily cron workflow is registered instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if aggregateSchedule {
			return scheduleAggregation(cmd)
		}

		days, err := resolveDays(aggregateDays, aggregateFrom, aggregateTo, time.Now())
		if err != nil {
			return err
		}

		if aggregateTemporal {
			return startAggregation(cmd, days)
		}

		if aggregateOutputDir != "" {
			cfg.Aggregate.OutputDir = aggregateOutputDir
		}
		if aggregateFormat != "" {
			cfg.Aggregate.Format = aggregateFormat
		}

		env, err := initEnv(ctx, "aggregate")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := newAggregateJob(ctx, env)
		if err != nil {
			return err
		}
		res, err := job.Run(ctx, days)
		if err != nil {
			return eris.Wrap(err, "aggregate")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	aggregateCmd.Flags().StringSliceVar(&aggregateDays, "day", nil, "completion day YYYY-MM-DD (repeatable)")
	aggregateCmd.Flags().StringVar(&aggregateFrom, "from", "", "first day of an inclusive range")
	aggregateCmd.Flags().StringVar(&aggregateTo, "to", "", "last day of an inclusive range (default --from)")
	aggregateCmd.Flags().StringVar(&aggregateFormat, "format", "", "report format: json, csv, xlsx (default from config)")
	aggregateCmd.Flags().StringVar(&aggregateOutputDir, "output-dir", "", "report directory (default from config)")
	aggregateCmd.Flags().BoolVar(&aggregateTemporal, "temporal", false, "run as a Temporal workflow")
	aggregateCmd.Flags().BoolVar(&aggregateSchedule, "schedule", false, "register the daily cron workflow and exit")
	aggregateCmd.MarkFlagsMutuallyExclusive("day", "from")
	aggregateCmd.MarkFlagsMutuallyExclusive("temporal", "schedule")
	rootCmd.AddCommand(aggregateCmd)
}

// resolveDays turns the day flags into a sorted, deduplicated day list.
func resolveDays(days []string, from, to string, now time.Time) ([]string, error) {
	switch {
	case len(days) > 0:
		return aggregate.NormalizeDays(days)
	case from != "":
		if to == "" {
			to = from
		}
		return aggregate.DaysBetween(from, to)
	case to != "":
		return nil, eris.New("--to needs --from")
	default:
		return []string{aggregate.Yesterday(now)}, nil
	}
}

func startAggregation(cmd *cobra.Command, days []string) error {
	c, err := workflow.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	id := "tripjoin-daily-stats-" + uuid.NewString()
	runID, err := workflow.RunOnce(cmd.Context(), c, cfg.Temporal, id, days)
	if err != nil {
		return err
	}
	zap.L().Info("aggregation workflow started",
		zap.String("component", "cli"),
		zap.String("workflow_id", id),
		zap.Strings("days", days))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "workflow %s run %s\n", id, runID)
	return err
}

func scheduleAggregation(cmd *cobra.Command) error {
	c, err := workflow.Dial(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	runID, err := workflow.Schedule(cmd.Context(), c, cfg.Temporal)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "workflow %s run %s cron %q\n", workflow.ScheduleWorkflowID, runID, cfg.Temporal.CronSchedule)
	return err
}
