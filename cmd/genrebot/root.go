package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/genrebot/internal/config"
	"github.com/MikeSquared-Agency/genrebot/internal/store"
)

// cliContext loads configuration once per invocation.
type cliContext struct {
	configPath string
	cfg        *config.Config
}

func (c *cliContext) config() (config.Config, error) {
	if c.cfg != nil {
		return *c.cfg, nil
	}
	if c.configPath != "" {
		if err := os.Setenv("GENREBOT_CONFIG", c.configPath); err != nil {
			return config.Config{}, fmt.Errorf("set config path: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	c.cfg = &cfg
	return cfg, nil
}

// catalog loads config and connects to the release catalog.
func (c *cliContext) catalog(ctx context.Context) (*store.Store, config.Config, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, cfg, err
	}
	if err := cfg.ValidateCatalog(); err != nil {
		return nil, cfg, err
	}
	db, err := store.New(ctx, cfg.DatabaseURL, cfg.Catalog)
	if err != nil {
		return nil, cfg, fmt.Errorf("connect catalog: %w", err)
	}
	return db, cfg, nil
}

func newRootCommand() *cobra.Command {
	cc := &cliContext{}

	rootCmd := &cobra.Command{
		Use:           "genrebot",
		Short:         "Match genre announces to catalog releases and record the genre",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cc.configPath, "config", "c", "", "TOML configuration file (overrides GENREBOT_CONFIG)")

	rootCmd.AddCommand(newRunCommand(cc))
	rootCmd.AddCommand(newMatchCommand(cc))
	rootCmd.AddCommand(newStatsCommand(cc))
	rootCmd.AddCommand(newDeadLetterCommand(cc))

	return rootCmd
}
