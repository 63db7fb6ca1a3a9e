// ABOUTME: REST client surface the adapter needs, satisfied by *discordgo.Session
// ABOUTME: NewClient builds a bot-authenticated discordgo session without opening its websocket

package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Client is the subset of *discordgo.Session used by Sender and URLResolver.
type Client interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Request(method, urlStr string, data any, options ...discordgo.RequestOption) ([]byte, error)
}

var _ Client = (*discordgo.Session)(nil)

// NewClient creates a REST session for a bot token. Open is never called on
// it; the gateway package owns the streaming connection.
func NewClient(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	s.StateEnabled = false
	return s, nil
}
