// Package beowulf implements the voice-presence tracking engine for the
// Beowulf org bot: it periodically snapshots voice-channel membership in a
// single moderated guild, maintains durable per-user voice sessions in the
// org backend, and merges concurrent channel occupancy into aggregate
// "fleet" records with derived statistics.
//
// The engine is poll-based by design. Each reconciliation tick re-derives
// truth from the current live snapshot and the backend's open sessions, so
// missed events and process restarts self-heal on the next tick at the cost
// of minute-granularity accounting.
//
// Persistence is owned entirely by the org backend, accessed over a small
// CRUD HTTP API. This package holds no authoritative copy of any session or
// fleet record across ticks.
package beowulf
