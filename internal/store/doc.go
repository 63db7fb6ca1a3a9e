// Package store persists bot state in SQLite.
//
// SQLiteStore keeps two tables:
//
//   - checkpoints: the last session id, resume URL and sequence number of
//     each (bot, shard). A restarted process loads it and resumes instead of
//     identifying. Invalid sessions clear it.
//   - dispatches: one row per executed handler, written by the dispatcher
//     through the dispatch.Recorder interface and read with ListDispatches.
//
// The store uses modernc.org/sqlite, so no cgo is needed. Times are stored
// as fixed-width UTC text.
package store
