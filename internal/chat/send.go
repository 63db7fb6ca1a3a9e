// ABOUTME: Outbound addressing and the Sender boundary implemented by adapters.
// ABOUTME: Target validation fails fast before any I/O is attempted.

package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-bot/internal/wait"
)

// ErrMissingScope indicates a Target lacks the identifiers needed to address
// a conversation.
var ErrMissingScope = errors.New("missing scope")

// Target is the outbound address of a reply.
type Target struct {
	BotID     string
	ChannelID string
	GuildID   string
	UserID    string
	Direct    bool
	// ReplyToID quotes the original message when the platform supports it.
	ReplyToID string
}

// Validate checks that the target can be addressed. Direct targets need a
// user or a channel; channel targets need a channel.
func (t Target) Validate() error {
	if t.Direct {
		if t.UserID == "" && t.ChannelID == "" {
			return fmt.Errorf("%w: direct target needs user_id or channel_id", ErrMissingScope)
		}
		return nil
	}
	if t.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", ErrMissingScope)
	}
	return nil
}

// SendResult is a handle to one delivered platform message.
type SendResult interface {
	ID() string
	// Recall deletes or redacts the sent message.
	Recall(ctx context.Context) error
}

// Sender delivers a chain to a target. Implementations validate the target
// first and return ErrMissingScope without doing I/O.
type Sender interface {
	Send(ctx context.Context, target Target, chain Chain) ([]SendResult, error)
}

// VerifyResult is the outcome of matching one handler against one message.
// Weight is zero when unmatched.
type VerifyResult struct {
	Matched bool
	Weight  int
	// Capture holds matcher output: the keyword, the equal literal, or the
	// regex submatches.
	Capture any
}

// Groups returns regex submatches when the capture holds them.
func (v VerifyResult) Groups() []string {
	g, _ := v.Capture.([]string)
	return g
}

// WaitOptions configures Message.Wait.
type WaitOptions struct {
	// Reply is sent after the wait is registered and before blocking.
	Reply Chain
	// Forced captures the next message even if a handler would match it.
	Forced bool
	// MaxTime overrides the configured timeout.
	MaxTime time.Duration
	// Filter drops messages it rejects; waiting continues.
	Filter func(*Message) bool
}

// ChannelWaitOptions configures Message.WaitChannel.
type ChannelWaitOptions struct {
	WaitOptions
	// Clean replaces an existing channel-wide wait instead of taking its focus.
	Clean bool
}

// Conversation is the reply and wait surface a dispatcher gives to messages.
type Conversation interface {
	Reply(ctx context.Context, m *Message, chain Chain) ([]SendResult, error)
	Wait(ctx context.Context, m *Message, opts WaitOptions) wait.Result[*Message]
	WaitChannel(ctx context.Context, m *Message, opts ChannelWaitOptions) wait.Result[*Message]
	CloseChannelWait(m *Message) bool
}
