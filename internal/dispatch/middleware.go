// ABOUTME: Built-in middleware deriving Text and Prefix from the cleaned text.
// ABOUTME: Always derives from TextClean so reapplying it is a no-op.

package dispatch

import (
	"context"

	"github.com/2389/coven-bot/internal/chat"
)

// StripPrefix returns middleware that removes the first matching prefix from
// the message. Use it after NewRouter with the same prefix list so handlers
// and waits see the bare command text.
func StripPrefix(prefixes ...string) MiddlewareFunc {
	return func(_ context.Context, m *chat.Message) (*chat.Message, error) {
		rest, prefix, ok := chat.CutPrefix(m.TextClean, prefixes)
		if !ok {
			return nil, nil
		}
		if m.Prefix == prefix && m.Text == rest {
			return nil, nil
		}
		out := m.Clone()
		out.Prefix = prefix
		out.Text = rest
		return out, nil
	}
}
