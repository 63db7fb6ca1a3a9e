// ABOUTME: Gateway URL resolver backed by the REST gateway/bot endpoint
// ABOUTME: Returns the websocket URL and the recommended shard count

package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/coven-bot/internal/gateway"
)

// URLResolver implements gateway.Resolver. Wrap it in a
// gateway.CachedResolver so the lookup happens once per process.
type URLResolver struct {
	client  Client
	apiBase string
}

// NewURLResolver creates a resolver. apiBase is the REST root, for example
// "https://discord.com/api/v10".
func NewURLResolver(client Client, apiBase string) *URLResolver {
	return &URLResolver{client: client, apiBase: strings.TrimRight(apiBase, "/")}
}

// Resolve fetches gateway/bot.
func (r *URLResolver) Resolve(ctx context.Context) (gateway.Info, error) {
	body, err := r.client.Request(http.MethodGet, r.apiBase+"/gateway/bot", nil, discordgo.WithContext(ctx))
	if err != nil {
		return gateway.Info{}, fmt.Errorf("fetching gateway url: %w", err)
	}

	var resp discordgo.GatewayBotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return gateway.Info{}, fmt.Errorf("decoding gateway/bot response: %w", err)
	}
	if resp.URL == "" {
		return gateway.Info{}, gateway.ErrNoGatewayURL
	}
	return gateway.Info{URL: resp.URL, Shards: resp.Shards}, nil
}

var _ gateway.Resolver = (*URLResolver)(nil)
