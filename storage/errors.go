package storage

import "errors"

// Sentinel errors for the storage package's programming-error taxonomy.
// Every one of these indicates caller misuse (an out-of-range index, a
// full storage, a rollback target in the future) rather than a recoverable
// runtime condition; callers that hit one mid-tick are expected to abort,
// not retry.
var (
	ErrStorageFull        = errors.New("storage: no free slot")
	ErrOutOfBounds        = errors.New("storage: index out of bounds")
	ErrFutureTickRollback = errors.New("storage: rollback target tick is in the future")
)
