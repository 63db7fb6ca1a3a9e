// ABOUTME: Canonical inbound message and event types produced by normalizers.
// ABOUTME: A bound Message can reply and wait for follow-ups through its Conversation.

package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-bot/internal/wait"
)

// ErrUnbound is returned by Message methods that need a Conversation when the
// message was never bound to one.
var ErrUnbound = errors.New("message not bound to a conversation")

// Attachment references media attached to an inbound message.
type Attachment struct {
	ID          string
	URL         string
	Filename    string
	ContentType string
	Size        int
}

// Message is the canonical form of one inbound chat message. It is owned by a
// single dispatch cycle; middleware that wants to change it returns a Clone.
type Message struct {
	ID        string
	BotID     string
	ChannelID string
	GuildID   string
	UserID    string
	Nickname  string

	// Direct is true for one-to-one conversations outside a channel.
	Direct bool

	// TextOriginal is the unmodified platform content.
	TextOriginal string
	// TextClean is TextOriginal with bot mentions removed and whitespace
	// trimmed. Normalizers set it once; middleware derives from it.
	TextClean string
	// Text is the text handlers match against. It starts equal to TextClean;
	// StripPrefix-style middleware sets it to TextClean minus Prefix.
	Text string
	// Prefix is the command prefix stripped from Text, if any.
	Prefix string

	Mentioned   bool
	MentionAll  bool
	Mentions    []string
	Attachments []Attachment
	Admin       bool

	// ReplyToID is the id of the message this one replies to, if any.
	ReplyToID string
	CreatedAt time.Time

	// Raw is the platform payload the message was built from.
	Raw any

	// Verify is attached by the dispatcher once a handler is selected.
	Verify *VerifyResult

	conv Conversation
}

// Clone returns a copy of m whose slices can be changed independently.
func (m *Message) Clone() *Message {
	c := *m
	c.Mentions = slices.Clone(m.Mentions)
	c.Attachments = slices.Clone(m.Attachments)
	if m.Verify != nil {
		v := *m.Verify
		c.Verify = &v
	}
	return &c
}

// Bind attaches the conversation the message replies and waits through.
func (m *Message) Bind(conv Conversation) {
	m.conv = conv
}

// Bound reports whether the message has a Conversation.
func (m *Message) Bound() bool {
	return m.conv != nil
}

// Target returns the reply address of the message.
func (m *Message) Target() Target {
	return Target{
		BotID:     m.BotID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		UserID:    m.UserID,
		Direct:    m.Direct,
		ReplyToID: m.ID,
	}
}

// HasPrefix reports whether TextClean starts with any of prefixes and returns
// the first matching one.
func (m *Message) HasPrefix(prefixes []string) (string, bool) {
	_, p, ok := CutPrefix(m.TextClean, prefixes)
	return p, ok
}

// Reply sends chain back to where the message came from.
func (m *Message) Reply(ctx context.Context, chain Chain) ([]SendResult, error) {
	if m.conv == nil {
		return nil, ErrUnbound
	}
	return m.conv.Reply(ctx, m, chain)
}

// Wait suspends until the same user sends the next message in this scope.
func (m *Message) Wait(ctx context.Context, opts WaitOptions) wait.Result[*Message] {
	if m.conv == nil {
		return wait.Result[*Message]{Status: wait.Cancelled}
	}
	return m.conv.Wait(ctx, m, opts)
}

// WaitChannel suspends until anyone in the channel sends a message that is not
// claimed by a handler, as long as this message keeps the channel focus.
func (m *Message) WaitChannel(ctx context.Context, opts ChannelWaitOptions) wait.Result[*Message] {
	if m.conv == nil {
		return wait.Result[*Message]{Status: wait.Cancelled}
	}
	return m.conv.WaitChannel(ctx, m, opts)
}

// CloseChannelWait cancels the channel-wide wait this message holds the focus
// of. A wait whose focus moved to another message is left alone. It reports
// whether a wait was closed.
func (m *Message) CloseChannelWait() bool {
	if m.conv == nil {
		return false
	}
	return m.conv.CloseChannelWait(m)
}

// CutPrefix trims leading whitespace from text and removes the first of
// prefixes it starts with. The remainder is trimmed again.
func CutPrefix(text string, prefixes []string) (rest, prefix string, ok bool) {
	t := strings.TrimSpace(text)
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if after, found := strings.CutPrefix(t, p); found {
			return strings.TrimSpace(after), p, true
		}
	}
	return t, "", false
}

// Event is a non-message notification from the platform.
type Event struct {
	Name  string
	Data  any
	BotID string
	Shard int
}

// Inbound is what a normalizer produces for one raw payload. Both fields
// empty means the payload is discarded.
type Inbound struct {
	Message *Message
	Events  []Event
}

// Empty reports whether the payload produced nothing to dispatch.
func (in Inbound) Empty() bool {
	return in.Message == nil && len(in.Events) == 0
}
