// ABOUTME: Scope keys correlating messages with pending waits.
// ABOUTME: Direct messages use one key; channel messages a user key and a channel key.

package dispatch

import (
	"strings"

	"github.com/2389/coven-bot/internal/chat"
)

// ScopeKey joins the non-empty parts with "_".
func ScopeKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "_")
}

// UserKey is the key of waits that follow one user. For direct messages it
// is built from the bot and the guild or user; in channels from the bot, the
// channel, and the user.
func UserKey(m *chat.Message) string {
	if m.Direct {
		if m.GuildID != "" {
			return ScopeKey(m.BotID, m.GuildID)
		}
		return ScopeKey(m.BotID, m.UserID)
	}
	return ScopeKey(m.BotID, m.ChannelID, m.UserID)
}

// ChannelKey is the key of channel-wide waits. Direct messages have no
// separate channel scope and share UserKey.
func ChannelKey(m *chat.Message) string {
	if m.Direct {
		return UserKey(m)
	}
	return ScopeKey(m.BotID, m.ChannelID)
}
