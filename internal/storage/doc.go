// Package storage persists content review state, distribution rules, the
// task queue and the pushed-record ledger.
//
// Backends:
//   - memory: mutex-guarded maps
//   - sqlite: single-writer database file with conditional UPDATE claims
//   - postgres: shared database for many worker processes
//     (claims use FOR UPDATE SKIP LOCKED)
package storage
