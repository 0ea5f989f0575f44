package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/resilience"
)

var (
	dlqStage     string
	dlqErrorType string
	dlqLimit     int
	dlqJSON      bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and clear dead letters",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dlq")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{
			Stage:     dlqStage,
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		out := cmd.OutOrStdout()
		if dlqJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			zap.L().Info("no dead letters found", zap.String("component", "cli"))
			return nil
		}
		formatDeadLetters(out, entries)
		return nil
	},
}

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "Delete dead letters that have been handled",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dlq")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			if err := env.Store.RemoveDLQ(ctx, id); err != nil {
				return eris.Wrapf(err, "dlq remove %s", id)
			}
			zap.L().Info("dead letter removed", zap.String("component", "cli"), zap.String("id", id))
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStage, "stage", "", "filter by stage: ingest or merge")
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum entries to list")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "print JSON including payloads")
	dlqCmd.AddCommand(dlqListCmd, dlqRemoveCmd)
	rootCmd.AddCommand(dlqCmd)
}

// formatDeadLetters writes a tabular representation of entries to out.
func formatDeadLetters(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tTRIP\tTYPE\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t----\t-------\t-----")

	for _, e := range entries {
		trip := e.TripID
		if trip == "" {
			trip = "-"
		}
		msg := e.Error
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Stage, trip, e.ErrorType, e.CreatedAt.UTC().Format(time.RFC3339), msg)
	}
	_ = w.Flush()
}
