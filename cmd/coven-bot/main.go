// ABOUTME: Entry point for coven-bot, a sharded chat bot runtime
// ABOUTME: Defines the cobra root command and shared flags

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _           _
  ___ _____   _____ _ __           | |__   ___ | |_
 / __/ _ \ \ / / _ \ '_ \   _____  | '_ \ / _ \| __|
| (_| (_) \ V /  __/ | | | |_____| | |_) | (_) | |_
 \___\___/ \_/ \___|_| |_|         |_.__/ \___/ \__|
`

var configFlag string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coven-bot",
		Short: "Sharded gateway chat bot with command routing and conversational waits",
		Long: `coven-bot keeps one or more gateway shards connected, routes incoming
messages to registered handlers, and lets handlers wait for follow-up
messages from the same user or channel.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file path (default $COVEN_BOT_CONFIG or ~/.config/coven/bot.yaml)")

	root.AddCommand(newServeCmd(), newInitCmd(), newCheckCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of coven-bot",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-bot %s\n", version)
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
