// ABOUTME: check command: validates the config and optionally probes a running bot
// ABOUTME: --live asks /health/ready and prints per-shard state

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-bot/internal/config"
	"github.com/2389/coven-bot/internal/gateway"
)

func newCheckCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file, or probe a running bot with --live",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(configFlag)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid (bot %s)\n", path, cfg.Bot.ID)
			if !live {
				return nil
			}
			if cfg.Server.HTTPAddr == "" {
				return fmt.Errorf("server.http_addr is not set")
			}
			return checkReady(cmd.Context(), out, "http://"+cfg.Server.HTTPAddr)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "query the running bot's readiness endpoint")
	return cmd
}

type readyBody struct {
	Ready  bool                  `json:"ready"`
	BotID  string                `json:"bot_id"`
	Shards []gateway.ShardStatus `json:"shards"`
}

func checkReady(ctx context.Context, out io.Writer, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var body readyBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding readiness: %w", err)
	}

	for _, s := range body.Shards {
		state := color.GreenString(s.State)
		if s.State != "active" {
			state = color.YellowString(s.State)
		}
		fmt.Fprintf(out, "  shard %d/%d  %s  seq=%d budget=%d\n", s.Index, s.Count, state, s.Seq, s.Budget)
	}

	if resp.StatusCode != http.StatusOK || !body.Ready {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "ready")
	return nil
}
