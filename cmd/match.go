package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/matcher"
)

var matchFollow bool

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run the matcher over the change feed",
	Long: `Consumes raw-fact inserts from the change feed, resuming from the saved
checkpoint, and completes every trip whose counterpart is stored. Without
--follow it stops once the feed is drained.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "match")
		if err != nil {
			return err
		}
		defer env.Close()

		d := matcher.NewDispatcher(env.Store, env.Matcher, dispatcherConfig(!matchFollow))
		if err := d.Run(ctx); err != nil {
			return err
		}

		stats := d.Stats()
		zap.L().Info("match finished",
			zap.String("component", "cli"),
			zap.Int64("changes", stats.Changes),
			zap.Int64("completed", stats.Completed),
			zap.Int64("merge_failures", stats.MergeFailures))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	matchCmd.Flags().BoolVar(&matchFollow, "follow", false, "keep polling the feed until interrupted")
	rootCmd.AddCommand(matchCmd)
}

// newDrainDispatcher returns a dispatcher that stops when the feed is idle.
func newDrainDispatcher(env *appEnv) *matcher.Dispatcher {
	return matcher.NewDispatcher(env.Store, env.Matcher, dispatcherConfig(true))
}
