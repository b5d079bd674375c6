package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/matcher"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
)

func newMatchCommand(cc *cliContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "match <title> <genre> | match <announce line>",
		Short: "Score catalog candidates for a title without writing anything",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseMatchArgs(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, cfg, err := cc.catalog(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			titles, err := db.Candidates(ctx, parsed.NoisyTitle, parsed.GenreNormalized)
			if err != nil {
				return fmt.Errorf("candidate lookup: %w", err)
			}

			out := cmd.OutOrStdout()
			color := shouldColorize(out)
			policy := cfg.Policy()
			ranked := matcher.New(nil).Rank(parsed.NoisyTitle, titles, limit)

			fmt.Fprintf(out, "Title: %s\nGenre: %s -> %s\nCandidates: %d\n", parsed.NoisyTitle, parsed.GenreRaw, parsed.GenreNormalized, len(titles))
			if len(ranked) == 0 {
				fmt.Fprintln(out, "No candidates.")
				return nil
			}
			fmt.Fprintln(out, renderTable(candidateColumns, candidateRows(ranked, policy, color)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of candidates to show")
	return cmd
}

// parseMatchArgs accepts either a title and genre, or one raw announce line.
func parseMatchArgs(args []string) (announce.Parsed, error) {
	if len(args) == 1 {
		parsed, ok := announce.Parse(args[0])
		if !ok {
			return announce.Parsed{}, fmt.Errorf("not a genre announce: %q", args[0])
		}
		return parsed, nil
	}
	return announce.Parsed{
		NoisyTitle:      args[0],
		GenreRaw:        args[1],
		GenreNormalized: announce.NormalizeGenre(args[1]),
	}, nil
}

var candidateColumns = []column{
	{header: "#", align: alignRight},
	{header: "Title", maxWidth: 72},
	{header: "Score", align: alignRight},
	{header: "Accept"},
}

func candidateRows(ranked []matcher.Candidate, policy reconcile.Policy, color bool) [][]string {
	rows := make([][]string, 0, len(ranked))
	for i, c := range ranked {
		verdict := colorize("no", ansiRed, color)
		if policy.Accepts(c.Score) {
			verdict = colorize("yes", ansiGreen, color)
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			c.Title,
			fmt.Sprintf("%.4f", c.Score),
			verdict,
		})
	}
	return rows
}
