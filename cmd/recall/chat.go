package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/recall/internal/session"
)

func newChatCmd() *cobra.Command {
	var (
		conversationID string
		jsonOut        bool
	)

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if conversationID == "" {
				conversationID = session.NewID()
			}
			reply, err := rt.Chat().Turn(ctx, conversationID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reply)
			}
			fmt.Fprintln(out, reply.Text)
			if verbose {
				fmt.Fprintf(out, "\n[conversation %s, %d iterations, %d tool calls]\n",
					reply.ConversationID, reply.Iterations, len(reply.ToolCalls))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id (default: new uuid)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the full reply as JSON")

	return cmd
}
