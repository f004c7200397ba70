// Package storage persists schedules and reminders together with their
// dispatch bookkeeping.
//
// Two contracts are exposed:
//   - Gateway: the narrow read/claim/update surface the dispatcher uses
//   - Repository: the write side used by the planner
//
// Every state transition is a single conditional update (state + version +
// owner preconditions), so any number of dispatcher processes may share one
// store. Drivers: "memory", "sqlite" (modernc.org/sqlite), "postgres" (pgx).
package storage
