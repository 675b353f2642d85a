// Package storage is the durable record store for reminders.
//
// The store is the single source of truth: the in-memory job registry is rebuilt from it on every
// start. Each operation is atomic for a single row; nothing needs cross-row transactions.
//
// Drivers:
//   - "memory": process-local map (tests, throwaway runs)
//   - "file": JSONL journal + snapshot, no external dependencies
//   - "sqlite": modernc.org/sqlite with embedded migrations
//   - "postgres": gorm with the pgx-based postgres driver
package storage
