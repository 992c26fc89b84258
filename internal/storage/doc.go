// Package storage persists routines, synced calendar events, push
// subscriptions and the delivery log.
//
// One database/sql implementation serves two drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": a shared Postgres database (pgx stdlib driver)
//
// Queries are written with "?" placeholders and rebound per dialect.
package storage
