// ABOUTME: Dispatch audit records written after every handler execution.
// ABOUTME: The store package implements Recorder over SQLite.

package dispatch

import (
	"context"
	"time"
)

// Record is one executed handler.
type Record struct {
	ID        string
	BotID     string
	MessageID string
	Handler   string
	Weight    int
	Replied   bool
	Error     string
	At        time.Time
}

// Recorder persists dispatch records.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec Record) error
}
