// Package wait implements the conversational wait registry.
//
// # Overview
//
// Handler code that wants the next message of a conversation registers an
// Entry under a scope key and then blocks in Await until a message is
// delivered, the entry times out, a newer entry supersedes it, or (for
// channel-wide entries) another message takes the focus.
//
// At most one live entry exists per scope key. Registering again for the
// same key invalidates the previous entry immediately; a handler still
// waiting on it observes ErrCancelled on its next IsAlive check.
//
// # Entry Kinds
//
//   - Single: buffers at most one value, consumed and removed on fulfillment.
//   - Channel: buffers a FIFO queue and carries a focus token, the id of the
//     message currently owning the conversation turn.
//
// # Usage
//
//	reg := wait.NewRegistry[*chat.Message](wait.Config{MaxTime: 30 * time.Second})
//	e := reg.Register("bot1_chan1_user1", wait.Options{})
//	res := reg.Await(ctx, e, wait.AwaitOptions[*chat.Message]{})
//	switch res.Status {
//	case wait.Matched:
//	    // res.Value is the next message
//	case wait.TimedOut, wait.Cancelled, wait.OutOfFocus:
//	    return res.Err()
//	}
//
// The dispatcher is the only writer of inbound data (Deliver). All mutating
// operations take the registry lock once and never block while holding it.
package wait
