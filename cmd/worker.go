package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/workflow"
)

var workerSchedule bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker for the daily statistics workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := newAggregateJob(ctx, env)
		if err != nil {
			return err
		}

		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		if workerSchedule {
			if _, err := workflow.Schedule(ctx, c, cfg.Temporal); err != nil {
				return err
			}
		}

		w := workflow.NewWorker(c, cfg.Temporal, &workflow.Activities{Job: job})
		zap.L().Info("temporal worker starting",
			zap.String("component", "cli"),
			zap.String("task_queue", cfg.Temporal.TaskQueue))

		interrupt := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(interrupt)
		}()
		if err := w.Run(interrupt); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerSchedule, "schedule", false, "also register the daily cron workflow")
	rootCmd.AddCommand(workerCmd)
}
