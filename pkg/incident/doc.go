// Package incident tracks the global incident level that gates restore
// availability. Levels form a closed set (NORMAL, QUARANTINE, LOCKDOWN) with
// an explicit transition table; leaving LOCKDOWN always passes through
// QUARANTINE. History is append-only and the current level is the latest
// row. A persisted level outside the closed set is surfaced as
// ErrInvalidPersistedState so readers fail secure instead of defaulting
// open.
package incident
