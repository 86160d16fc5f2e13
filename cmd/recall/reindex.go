package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newReindexCmd() *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Embed messages that were stored without an embedding",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.Chat().Reindex(ctx, batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d messages\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 0, "Maximum messages to process (0 = all)")

	return cmd
}
