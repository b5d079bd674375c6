package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/genrebot/internal/deadletter"
	"github.com/MikeSquared-Agency/genrebot/internal/matcher"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
)

func newDeadLetterCommand(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and replay announces that hit a catalog fault",
	}
	cmd.AddCommand(newDeadLetterListCommand(cc))
	cmd.AddCommand(newDeadLetterRetryCommand(cc))
	return cmd
}

func newDeadLetterListCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.config()
			if err != nil {
				return err
			}
			dl, err := deadletter.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer dl.Close()

			entries, err := dl.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Dead-letter queue is empty.")
				return nil
			}
			fmt.Fprintln(out, renderTable(deadLetterColumns, deadLetterRows(entries)))
			return nil
		},
	}
}

func newDeadLetterRetryCommand(cc *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Replay every queued dead letter once",
		Long: "Replay every queued dead letter once. Refuses to run while genrebot run holds the data directory;\n" +
			"use POST /api/v1/deadletter/retry against the running instance instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.config()
			if err != nil {
				return err
			}
			lock, err := acquireLock(cfg.DataDir)
			if errors.Is(err, errAlreadyRunning) {
				return fmt.Errorf("%w; use POST /api/v1/deadletter/retry on the running instance", err)
			}
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock() }()

			ctx := cmd.Context()
			db, _, err := cc.catalog(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			dl, err := deadletter.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer dl.Close()

			logger := slog.Default()
			rec := reconcile.New(db, matcher.New(nil), reconcile.LogNotifier{Logger: logger}, cfg.Policy(), logger)
			sum, err := deadletter.NewRetrier(dl, db, rec, cfg.DeadLetterMaxTries, logger).RetryAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved: %d  Failed: %d  Dropped: %d  Remaining: %d\n",
				sum.Resolved, sum.Failed, sum.Dropped, sum.Remaining)
			return nil
		},
	}
}

var deadLetterColumns = []column{
	{header: "ID"},
	{header: "Kind"},
	{header: "Title", maxWidth: 60},
	{header: "Genre"},
	{header: "Tries", align: alignRight},
	{header: "Last Error", maxWidth: 48},
	{header: "Updated"},
}

func deadLetterRows(entries []deadletter.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID.String()[:8],
			string(e.Kind),
			e.NoisyTitle,
			e.Genre,
			strconv.Itoa(e.Tries),
			e.LastError,
			e.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
