// ABOUTME: serve command: loads config, prints the startup summary, and runs the bot
// ABOUTME: Registers the example handlers before connecting

package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-bot/internal/bot"
	"github.com/2389/coven-bot/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the shards and start handling messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := config.ResolvePath(configFlag)

			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := setupLogger(cfg.Logging)

			printSummary(configPath, cfg)

			b, err := bot.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating bot: %w", err)
			}
			registerExamples(b.Router(), logger)

			logger.Info("starting coven-bot",
				"config", configPath,
				"bot_id", cfg.Bot.ID,
				"http_addr", cfg.Server.HTTPAddr,
			)
			return b.Run(cmd.Context())
		},
	}
}

func printSummary(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("Bot", cfg.Bot.ID)
	line("Prefixes", strings.Join(cfg.Bot.Prefixes, " "))

	shards := "recommended"
	if cfg.Bot.Shards > 0 {
		shards = fmt.Sprint(cfg.Bot.Shards)
	}
	line("Shards", shards)

	switch cfg.Database.Path {
	case "":
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Database:")
		yellow.Println("disabled")
	default:
		line("Database", cfg.Database.Path)
	}
	if cfg.Server.HTTPAddr != "" {
		line("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Alerts:")
		gray.Println(cfg.Matrix.AlertRoom)
	}
	fmt.Println()
}
