package etl

import "errors"

// Fatal failure classes of a run. Callers match them with errors.Is; the
// wrapped error carries the detail.
//
// Lookup misses and municipality join misses are not errors: they degrade
// the affected value and are reported through ResolveStats.
var (
	// ErrConnection: the reference or warehouse database is unreachable.
	ErrConnection = errors.New("database connection failed")

	// ErrMissingReference: a lookup side file is absent or malformed.
	ErrMissingReference = errors.New("reference table unavailable")

	// ErrFormat: a field could not be normalized (e.g. a non-numeric period).
	ErrFormat = errors.New("invalid field format")

	// ErrBulkInsert: the batch insert into the warehouse failed.
	ErrBulkInsert = errors.New("bulk insert failed")
)
