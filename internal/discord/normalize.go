// ABOUTME: Converts Discord dispatch payloads into canonical chat messages and events
// ABOUTME: Strips self mentions, marks DMs as addressed, and drops the bot's own echoes

package discord

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/coven-bot/internal/chat"
	"github.com/2389/coven-bot/internal/gateway"
)

// EventMessageCreate is the dispatch type normalized into a chat.Message.
const EventMessageCreate = "MESSAGE_CREATE"

// Normalizer builds chat values from dispatch frames of one bot.
type Normalizer struct {
	botID  string
	admins map[string]bool
	logger *slog.Logger

	mu     sync.RWMutex
	selfID string
}

// NewNormalizer creates a normalizer. admins lists user ids whose messages
// are flagged Admin.
func NewNormalizer(botID string, admins []string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]bool, len(admins))
	for _, id := range admins {
		set[id] = true
	}
	return &Normalizer{
		botID:  botID,
		admins: set,
		logger: logger.With("component", "discord.normalizer"),
	}
}

// OnReady records the bot's own user id. It matches gateway.SessionConfig.OnReady.
func (n *Normalizer) OnReady(shard int, r gateway.Ready) {
	n.SetSelf(r.User.ID)
	n.logger.Debug("self id learned", "shard", shard, "user_id", r.User.ID)
}

// SetSelf sets the bot's own user id.
func (n *Normalizer) SetSelf(id string) {
	n.mu.Lock()
	n.selfID = id
	n.mu.Unlock()
}

// SelfID returns the bot's own user id, empty before READY.
func (n *Normalizer) SelfID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.selfID
}

// Normalize converts a dispatch frame. MESSAGE_CREATE becomes a Message
// (nothing for the bot's own messages); every other type becomes one Event
// carrying the raw payload.
func (n *Normalizer) Normalize(d gateway.Dispatch) (chat.Inbound, error) {
	if d.Type != EventMessageCreate {
		return chat.Inbound{Events: []chat.Event{{
			Name:  d.Type,
			Data:  d.Data,
			BotID: n.botID,
			Shard: d.Shard,
		}}}, nil
	}

	var mc discordgo.MessageCreate
	if err := json.Unmarshal(d.Data, &mc); err != nil {
		return chat.Inbound{}, fmt.Errorf("decoding %s: %w", d.Type, err)
	}
	if mc.Message == nil || mc.Author == nil {
		return chat.Inbound{}, fmt.Errorf("decoding %s: missing author", d.Type)
	}

	self := n.SelfID()
	if self != "" && mc.Author.ID == self {
		return chat.Inbound{}, nil
	}
	return chat.Inbound{Message: n.message(mc.Message, self)}, nil
}

func (n *Normalizer) message(dm *discordgo.Message, self string) *chat.Message {
	m := &chat.Message{
		ID:           dm.ID,
		BotID:        n.botID,
		ChannelID:    dm.ChannelID,
		GuildID:      dm.GuildID,
		UserID:       dm.Author.ID,
		Nickname:     nickname(dm),
		Direct:       dm.GuildID == "",
		TextOriginal: dm.Content,
		MentionAll:   dm.MentionEveryone,
		Admin:        n.admins[dm.Author.ID],
		CreatedAt:    dm.Timestamp,
		Raw:          dm,
	}

	for _, u := range dm.Mentions {
		if u == nil {
			continue
		}
		m.Mentions = append(m.Mentions, u.ID)
		if self != "" && u.ID == self {
			m.Mentioned = true
		}
	}
	// a direct message is always addressed to the bot
	if m.Direct {
		m.Mentioned = true
	}

	m.TextClean = cleanText(dm.Content, self)
	m.Text = m.TextClean

	if dm.MessageReference != nil {
		m.ReplyToID = dm.MessageReference.MessageID
	}
	for _, a := range dm.Attachments {
		if a == nil {
			continue
		}
		m.Attachments = append(m.Attachments, chat.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return m
}

func nickname(dm *discordgo.Message) string {
	if dm.Member != nil && dm.Member.Nick != "" {
		return dm.Member.Nick
	}
	if dm.Author.GlobalName != "" {
		return dm.Author.GlobalName
	}
	return dm.Author.Username
}

// cleanText removes mentions of self and trims whitespace.
func cleanText(content, self string) string {
	if self != "" {
		content = strings.ReplaceAll(content, "<@"+self+">", "")
		content = strings.ReplaceAll(content, "<@!"+self+">", "")
	}
	return strings.TrimSpace(content)
}
