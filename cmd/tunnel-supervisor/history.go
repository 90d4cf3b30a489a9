package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shini4i/tunnel-supervisor/internal/history"
	"github.com/shini4i/tunnel-supervisor/internal/stats"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent connection attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := history.Open(historyPath(mgr.Path(), mgr.GetConfig()))
		if err != nil {
			return err
		}
		defer store.Close()

		attempts, err := store.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		return printAttempts(cmd.OutOrStdout(), attempts)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of attempts to show")
}

func printAttempts(out io.Writer, attempts []history.Attempt) error {
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(out, "No attempts recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVER\tTRANSPORT\tSTARTED\tDURATION\tCONNECTED\tRESET")
	for _, a := range attempts {
		id := a.ID
		if len(id) > 8 {
			id = id[:8]
		}
		reset := a.Reset
		if reset == "" {
			reset = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			id, a.Server, a.Transport,
			a.StartedAt.Local().Format(time.DateTime),
			stats.FormatDuration(a.Duration()),
			a.Connected, reset,
		)
	}
	return w.Flush()
}
