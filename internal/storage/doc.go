// Package storage persists calendar events and the bot's bookkeeping.
//
// It holds:
//   - the event store used by the scheduler and the command layer
//   - the audit log of fired events and operator actions
//   - the fired-occurrence ledger that survives restarts
//
// Two drivers exist: "sqlite" (default) and "file" (JSON snapshot and
// JSON Lines journals). Both are safe for concurrent use; concurrent
// writers to the same event follow last-writer-wins.
package storage
