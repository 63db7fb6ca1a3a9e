// ABOUTME: Store errors, row types, and the compile-time contracts the store satisfies
// ABOUTME: Checkpoints feed gateway resume; dispatch rows are the handler audit log

package store

import (
	"errors"
	"time"

	"github.com/2389/coven-bot/internal/dispatch"
	"github.com/2389/coven-bot/internal/gateway"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Dispatch is one row of the dispatch audit log.
type Dispatch struct {
	ID        string
	BotID     string
	MessageID string
	Handler   string
	Weight    int
	Replied   bool
	Error     string
	At        time.Time
}

// List limits for ListDispatches.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

var (
	_ gateway.CheckpointStore = (*SQLiteStore)(nil)
	_ dispatch.Recorder       = (*SQLiteStore)(nil)
)
