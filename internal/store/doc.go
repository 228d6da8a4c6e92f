// Package store provides persistent storage for gateway runs using SQLite.
//
// # Data Models
//
//   - Run: one long-running request, its owner and its lifecycle status
//   - RunEvent: an agent event emitted for a run, kept so a client that
//     reconnects can catch up on a run that continued headless
//   - AuditEntry: a connection lifecycle event (connected, auth failure,
//     rejection, disconnect) with the server-side failure reason
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use ":memory:" for a throwaway database.
//
// # Error Handling
//
//   - ErrNotFound: Requested run does not exist
//   - ErrDuplicateRun: Run id or idempotency key already used
//
// # Testing
//
// Use NewMockStore() for unit tests. It implements Store with the same
// duplicate and ordering rules as SQLiteStore.
package store
