package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/runtime"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Long:  "Applies the schema for the configured store driver. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, _ := newLogger(cfg)

			st, err := runtime.OpenStore(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", cfg.Store.Driver)
			return nil
		},
	}
}
