package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/replicator/internal/journal"
)

var (
	historyLimit      int
	historyJSONOutput bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent replication cycles from the journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of cycles to show")
	historyCmd.Flags().BoolVar(&historyJSONOutput, "json", false, "Output in JSON format")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit < 1 {
		return fmt.Errorf("--limit must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.Journal.Path, 0)
	if err != nil {
		return err
	}
	defer j.Close()

	cycles, err := j.Recent(context.Background(), historyLimit)
	if err != nil {
		return fmt.Errorf("list cycles: %w", err)
	}

	if historyJSONOutput {
		if cycles == nil {
			cycles = []journal.Cycle{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"cycles": cycles,
			"total":  len(cycles),
		})
	}
	return printCycles(cmd.OutOrStdout(), cycles)
}

func printCycles(out io.Writer, cycles []journal.Cycle) error {
	if len(cycles) == 0 {
		fmt.Fprintln(out, "No cycles recorded.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tRESULT\tROWS\tWATERMARK\tERROR")
	for _, c := range cycles {
		result := "ok"
		if !c.Succeeded {
			result = "failed"
		}
		errText := c.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID,
			c.StartedAt.Local().Format("2006-01-02 15:04:05"),
			c.Duration().Round(time.Millisecond),
			result,
			humanize.Comma(c.Rows),
			c.Watermark,
			errText,
		)
	}
	return w.Flush()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
