// Package dedupe suppresses repeated dispatch of the same inbound message.
//
// After a failed resume the gateway may replay messages that were already
// handled. The bot records every dispatched message key in a Window for a
// fixed TTL and drops keys it has already seen.
package dedupe
