// ABOUTME: Renders chat chains into Discord messages and posts them over REST
// ABOUTME: Splits long text, attaches files and embeds, and supports recall by delete

package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/coven-bot/internal/chat"
)

// MaxContentRunes is Discord's per-message content limit.
const MaxContentRunes = 2000

// Sender implements chat.Sender for Discord.
type Sender struct {
	client Client
	logger *slog.Logger

	mu  sync.Mutex
	dms map[string]string // user id -> DM channel id
}

// NewSender creates a sender over a REST client.
func NewSender(client Client, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client: client,
		logger: logger.With("component", "discord.sender"),
		dms:    make(map[string]string),
	}
}

type sentMessage struct {
	client    Client
	channelID string
	id        string
}

func (m sentMessage) ID() string { return m.id }

// Recall deletes the message.
func (m sentMessage) Recall(ctx context.Context) error {
	if err := m.client.ChannelMessageDelete(m.channelID, m.id, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("deleting message %s: %w", m.id, err)
	}
	return nil
}

// Send posts chain to target. Text longer than MaxContentRunes is split
// across messages; the first carries the reply reference and the last
// carries embeds and files.
func (s *Sender) Send(ctx context.Context, target chat.Target, chain chat.Chain) ([]chat.SendResult, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if chain.Empty() {
		return nil, nil
	}

	channelID, err := s.channelFor(ctx, target)
	if err != nil {
		return nil, err
	}

	r := render(chain)
	parts := splitContent(r.content, MaxContentRunes)
	if len(parts) == 0 {
		parts = []string{""}
	}

	var results []chat.SendResult
	for i, content := range parts {
		msg := &discordgo.MessageSend{Content: content}
		if i == 0 && target.ReplyToID != "" {
			fail := false
			msg.Reference = &discordgo.MessageReference{
				MessageID:       target.ReplyToID,
				ChannelID:       channelID,
				GuildID:         target.GuildID,
				FailIfNotExists: &fail,
			}
		}
		if i == len(parts)-1 {
			msg.Embeds = r.embeds
			msg.Files = r.files()
		}

		sent, err := s.client.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
		if err != nil {
			return results, fmt.Errorf("sending to channel %s: %w", channelID, err)
		}
		results = append(results, sentMessage{client: s.client, channelID: channelID, id: sent.ID})
	}

	s.logger.Debug("sent", "channel_id", channelID, "messages", len(results))
	return results, nil
}

// channelFor returns the channel to post in, opening a DM channel for direct
// targets that only name a user.
func (s *Sender) channelFor(ctx context.Context, target chat.Target) (string, error) {
	if target.ChannelID != "" {
		return target.ChannelID, nil
	}

	s.mu.Lock()
	id, ok := s.dms[target.UserID]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	ch, err := s.client.UserChannelCreate(target.UserID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("opening DM with %s: %w", target.UserID, err)
	}

	s.mu.Lock()
	s.dms[target.UserID] = ch.ID
	s.mu.Unlock()
	return ch.ID, nil
}

type upload struct {
	name string
	data []byte
}

type rendered struct {
	content string
	embeds  []*discordgo.MessageEmbed
	uploads []upload
}

func (r rendered) files() []*discordgo.File {
	if len(r.uploads) == 0 {
		return nil
	}
	out := make([]*discordgo.File, 0, len(r.uploads))
	for _, u := range r.uploads {
		out = append(out, &discordgo.File{Name: u.name, Reader: bytes.NewReader(u.data)})
	}
	return out
}

func render(chain chat.Chain) rendered {
	var r rendered
	var b strings.Builder

	for _, block := range chain {
		switch v := block.(type) {
		case chat.Text:
			b.WriteString(v.Content)
		case chat.Markdown:
			b.WriteString(v.Source)
		case chat.Mention:
			if v.UserID == "" {
				b.WriteString("@everyone")
			} else {
				b.WriteString("<@" + v.UserID + ">")
			}
		case chat.Face:
			if v.ID != "" {
				b.WriteString("<:" + v.Name + ":" + v.ID + ">")
			} else {
				b.WriteString(":" + v.Name + ":")
			}
		case chat.Image:
			if len(v.Data) > 0 {
				r.uploads = append(r.uploads, upload{name: fileName(v.Filename, "image.png"), data: v.Data})
			} else if v.URL != "" {
				r.embeds = append(r.embeds, &discordgo.MessageEmbed{Image: &discordgo.MessageEmbedImage{URL: v.URL}})
			}
		case chat.Voice:
			if len(v.Data) > 0 {
				r.uploads = append(r.uploads, upload{name: fileName(v.Filename, "voice.ogg"), data: v.Data})
			} else if v.URL != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(v.URL)
			}
		case chat.Card:
			r.embeds = append(r.embeds, cardEmbed(v))
		}
	}
	r.content = b.String()
	return r
}

func cardEmbed(c chat.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       c.Title,
		Description: c.Description,
		URL:         c.URL,
		Color:       c.Color,
	}
	for _, f := range c.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return e
}

func fileName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// splitContent cuts s into pieces of at most limit runes, preferring to cut
// after a newline.
func splitContent(s string, limit int) []string {
	var parts []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

var _ chat.Sender = (*Sender)(nil)
