package main

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileAfter time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Complete trips whose change notifications were lost",
	Long: `Scans unmatched raw facts older than --after and re-runs the matcher for
each of their trips. Safe to run at any time; completion stays at most once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		after := reconcileAfter
		if after == 0 {
			after = time.Duration(cfg.Matcher.ReconcileAfterMins) * time.Minute
		}
		cutoff := time.Now().Add(-after)

		res, err := env.Matcher.Reconcile(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		zap.L().Info("reconcile finished",
			zap.String("component", "cli"),
			zap.Time("cutoff", cutoff),
			zap.Int("scanned", res.Scanned),
			zap.Int("completed", res.Completed),
			zap.Int("errors", res.Errors))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.Errors > 0 {
			return eris.Errorf("reconcile: %d trips failed", res.Errors)
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileAfter, "after", 0, "only facts older than this (default matcher.reconcile_after_mins)")
	rootCmd.AddCommand(reconcileCmd)
}
