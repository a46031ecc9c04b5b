// Package storage persists dailycast state.
//
// It covers:
//   - The schedule file (JSON, atomically overwritten)
//   - Delivery history (one record per recipient outcome)
//   - Small named markers, e.g. the last fired civil date
//
// History and markers live behind Store with two drivers: a dependency-free
// file backend and SQLite (modernc.org/sqlite).
package storage
