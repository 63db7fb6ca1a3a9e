// Package bot wires one bot instance together.
//
// New builds the wait registry, router, dispatcher, Discord normalizer and
// sender, dedupe window, optional SQLite store, and the shard supervisor.
// Run starts the supervisor and the health HTTP server and blocks until the
// context ends or every shard is dead. Shutdown closes the HTTP server,
// cancels all live waits, stops the dedupe janitor, and closes the store.
//
// Handlers are registered on Router() before Run.
//
// HTTP endpoints (when server.http_addr is set):
//
//   - GET /health        always 200 while the process serves
//   - GET /health/ready  200 when every shard is active, 503 otherwise
//   - GET /dispatches    recent dispatch log rows as JSON (needs a store)
package bot
