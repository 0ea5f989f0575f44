package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tripjoin/internal/monitoring"
)

var (
	statusTrip      string
	statusStaleness time.Duration
	statusAlert     bool
	statusJSON      bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stale trips, dead-letter depth, or one trip's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "status")
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if statusTrip != "" {
			view, err := env.Matcher.TripState(ctx, statusTrip)
			if err != nil {
				return eris.Wrapf(err, "status %s", statusTrip)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		staleness := statusStaleness
		if staleness == 0 {
			staleness = time.Duration(cfg.Monitoring.StalenessMins) * time.Minute
		}
		snap, err := monitoring.NewCollector(env.Store, env.Matcher).Collect(ctx, staleness)
		if err != nil {
			return err
		}
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		if statusAlert {
			alerter.SendAlerts(ctx, alerts)
		}

		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
				Alerts   []monitoring.Alert          `json:"alerts"`
			}{snap, alerts})
		}
		formatSnapshot(out, snap, alerts)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTrip, "trip", "", "show the stored facts and state of one trip")
	statusCmd.Flags().DurationVar(&statusStaleness, "staleness", 0, "age after which an unmatched fact is stale (default monitoring.staleness_mins)")
	statusCmd.Flags().BoolVar(&statusAlert, "alert", false, "send triggered alerts to the webhook")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	rootCmd.AddCommand(statusCmd)
}

// formatSnapshot writes a human-readable monitoring summary to out.
func formatSnapshot(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "stale half trips\t%d\n", snap.StaleHalfTrips)
	_, _ = fmt.Fprintf(w, "stale uncommitted\t%d\n", snap.StaleUncommitted)
	oldest := "-"
	if snap.OldestStaleAt != nil {
		oldest = snap.OldestStaleAt.UTC().Format(time.RFC3339)
	}
	_, _ = fmt.Fprintf(w, "oldest stale fact\t%s\n", oldest)
	_, _ = fmt.Fprintf(w, "dead letters\t%d\n", snap.DLQDepth)

	stages := make([]string, 0, len(snap.DeadLetters))
	for s := range snap.DeadLetters {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	for _, s := range stages {
		_, _ = fmt.Fprintf(w, "  %s\t%d\n", s, snap.DeadLetters[s])
	}
	if len(snap.SampleTripIDs) > 0 {
		_, _ = fmt.Fprintf(w, "sample trips\t%s\n", strings.Join(snap.SampleTripIDs, ", "))
	}
	_ = w.Flush()

	if len(alerts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ALERT\tSEVERITY\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.Type, a.Severity, a.Message)
	}
	_ = w.Flush()
}
