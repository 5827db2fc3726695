// Package quota owns the per-provider quota state machines: one-minute
// usage windows, per-series cooldown schedules with clamped escalation,
// operator blacklists, and restart-durable JSON snapshots plus an
// append-only NDJSON error log.
//
// The Center is the single writer; it consumes typed events over a
// channel and serializes every mutation, so readers always observe a
// consistent point-in-time copy.
package quota
