package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/agentarena/arena/bridge/internal/tui/chat"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <agent-package>",
		Short: "Hatch an agent package and chat with it in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			clientID, _ := cmd.Flags().GetString("client-id")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return chat.Run(ctx, url, args[0], clientID)
		},
	}
	cmd.Flags().String("url", "ws://127.0.0.1:8090/ws", "bridge WebSocket URL")
	cmd.Flags().String("client-id", "", "client id to resume (letters, digits, underscores and dashes)")
	return cmd
}
