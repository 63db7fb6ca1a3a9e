// Package gateway keeps the streaming gateway connections of a bot alive.
//
// # Overview
//
// A Session owns one shard. It resolves the gateway URL, dials a Transport,
// waits for hello, then identifies (fresh session) or resumes (known session
// id and last sequence). READY and RESUMED move it to Active. Every other
// dispatch frame is handed to the Handler in its own goroutine, after the
// sequence number has been recorded in the read loop.
//
// # Reconnects
//
// When a live connection drops, the session reconnects at once and resumes.
// Each attempt that fails before READY or RESUMED spends one unit of the
// reconnect budget (3 by default) and waits RetryDelay (10s). Only a
// confirmed READY or RESUMED restores the budget. An empty budget makes the
// shard Dead. Op 9 without the resumable flag clears the session so the next
// attempt identifies.
//
// # Heartbeats
//
// Each hello starts a heartbeat loop tagged with a fresh generation. The loop
// wakes every HeartbeatTick and sends the last sequence once per heartbeat
// interval. A newer generation makes older loops exit.
//
// # Supervisor
//
// The Supervisor decides the shard count, starts every Session under an
// errgroup, and paces identifies with a rate.Limiter.
package gateway
