package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/genrebot/internal/store"
)

func newStatsCommand(cc *cliContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how much of the catalog has a genre",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, _, err := cc.catalog(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintln(out, renderTable([]column{
				{header: "Metric"},
				{header: "Value", align: alignRight},
			}, statsRows(st)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func statsRows(st store.Stats) [][]string {
	return [][]string{
		{"Total releases", strconv.FormatInt(st.TotalReleases, 10)},
		{"With genre", strconv.FormatInt(st.WithGenre, 10)},
		{"Without genre", strconv.FormatInt(st.WithoutGenre, 10)},
		{"Completion", fmt.Sprintf("%.2f%%", st.CompletionPercent)},
	}
}

// statsLine is the status line posted by the periodic stats job.
func statsLine(st store.Stats) string {
	return fmt.Sprintf("[i] Catalog: %d releases, %d with genre, %d without (%.2f%% complete)",
		st.TotalReleases, st.WithGenre, st.WithoutGenre, st.CompletionPercent)
}
