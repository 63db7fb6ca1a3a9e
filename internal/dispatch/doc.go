// Package dispatch selects and runs handlers for canonical messages and events.
//
// # Registration
//
// A Router collects message handlers (MessageSpec plus HandlerFunc), event
// handlers, error handlers, middleware, and before/after reply hooks.
// Registration order is kept and breaks ties between equally weighted
// handlers.
//
// # Matching
//
// Matchers form a closed set:
//
//   - Contains: substring, weight 1
//   - Equal: exact text, weight 10000, works without a prefix
//   - Regex: weight is the number of capture groups, at least 1
//   - Any: scores as its first matching sub-matcher
//
// A handler is a candidate when its scope rules accept the message and the
// message mentions the bot, starts with an accepted prefix, or the handler
// needs no prefix. A VerifyFunc replaces built-in scoring entirely.
//
// # Waits
//
// Before matching, the dispatcher looks up the user-scoped and channel-wide
// waits for the message. A forced wait captures the message outright. A
// handler that replies cancels the user-scoped wait. A message no handler
// replied to is fed to the resolved wait.
package dispatch
