package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tripjoin/internal/model"
	"github.com/sells-group/tripjoin/internal/source"
)

var (
	ingestFormat    string
	ingestHalf      string
	ingestSheet     string
	ingestBatchSize int
	ingestMatch     bool
	ingestJSON      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <location>...",
	Short: "Replay trip events from files or URLs",
	Long: `Reads trip events from CSV, TSV, XLSX, JSON, NDJSON or ZIP sources and
records them as raw facts. A location is a path, file://, http(s):// or ftp://
URL, or "-" for NDJSON on stdin. Rows without a half_type column take it from
--half or the file name (trip_start.csv, Trip_End.xlsx).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, err := source.ParseFormat(ingestFormat)
		if err != nil {
			return err
		}
		if ingestHalf != "" {
			if _, err := model.ParseHalfType(ingestHalf); err != nil {
				return err
			}
		}
		if ingestBatchSize < 1 {
			return eris.New("--batch-size must be >= 1")
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		ing, err := newIngestor(env.Store)
		if err != nil {
			return err
		}
		reader := source.New(source.Options{Format: format, Half: ingestHalf, SheetName: ingestSheet})

		var total model.IngestResult
		for _, loc := range args {
			var events []model.InboundEvent
			if loc == "-" {
				events, err = reader.ReadFrom(cmd.InOrStdin(), "stdin.ndjson")
			} else {
				events, err = reader.Read(ctx, loc)
			}
			if err != nil {
				return eris.Wrapf(err, "ingest %s", loc)
			}
			for start := 0; start < len(events); start += ingestBatchSize {
				end := min(start+ingestBatchSize, len(events))
				res := ing.Ingest(ctx, events[start:end])
				addResult(&total, res)
			}
		}

		if ingestMatch {
			d := newDrainDispatcher(env)
			if err := d.Run(ctx); err != nil {
				return eris.Wrap(err, "match after ingest")
			}
			zap.L().Info("matched after ingest",
				zap.String("component", "cli"),
				zap.Int64("completed", d.Stats().Completed))
		}

		out := cmd.OutOrStdout()
		if ingestJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(total); err != nil {
				return err
			}
		} else {
			formatIngestResult(out, total)
		}
		if total.PartialFailure() {
			return eris.Errorf("%d rejected, %d failed", total.Rejected, total.Failed)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "input format: csv, tsv, xlsx, json, ndjson, zip (default: by extension)")
	ingestCmd.Flags().StringVar(&ingestHalf, "half", "", "half for rows without half_type: start or end")
	ingestCmd.Flags().StringVar(&ingestSheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 500, "events per ingest call")
	ingestCmd.Flags().BoolVar(&ingestMatch, "match", false, "drain the change feed after ingesting")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(ingestCmd)
}

// addResult folds a batch result into total. Outcome indexes continue from
// the events already counted.
func addResult(total *model.IngestResult, res model.IngestResult) {
	offset := len(total.Outcomes)
	if total.BatchID == "" {
		total.BatchID = res.BatchID
	}
	total.Accepted += res.Accepted
	total.Duplicates += res.Duplicates
	total.Rejected += res.Rejected
	total.Failed += res.Failed
	total.Sanitized += res.Sanitized
	for _, o := range res.Outcomes {
		o.Index += offset
		total.Outcomes = append(total.Outcomes, o)
	}
}

// formatIngestResult writes the totals and every event that did not land.
func formatIngestResult(out io.Writer, res model.IngestResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ACCEPTED\tDUPLICATES\tREJECTED\tFAILED\tSANITIZED\n")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", res.Accepted, res.Duplicates, res.Rejected, res.Failed, res.Sanitized)
	_ = w.Flush()

	var bad []model.IngestOutcome
	for _, o := range res.Outcomes {
		if o.Status == model.IngestRejected || o.Status == model.IngestFailed {
			bad = append(bad, o)
		}
	}
	if len(bad) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INDEX\tTRIP\tHALF\tSTATUS\tERROR")
	for _, o := range bad {
		trip := o.TripID
		if trip == "" {
			trip = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", o.Index, trip, o.Half, o.Status, o.Error)
	}
	_ = w.Flush()
}
