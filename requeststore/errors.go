package requeststore

import "fmt"

// WriteError records a single op that failed on a data-level constraint.
type WriteError struct {
	CustomID string
	Err      error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.CustomID, e.Err)
}

func (e WriteError) Unwrap() error {
	return e.Err
}

// BulkWriteError aggregates the per-op failures of one writer invocation.
// The rest of the invocation landed; callers decide whether the failed
// ops need attention.
type BulkWriteError struct {
	LogID  string
	Errors []WriteError
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write %s: %d ops failed", e.LogID, len(e.Errors))
}

// BulkException marks an infrastructure failure that aborted one or more
// writer shards. Ops in an aborted shard are in an unknown state and the
// whole invocation must be treated as failed.
type BulkException struct {
	LogID string
	Err   error
}

func (e *BulkException) Error() string {
	return fmt.Sprintf("bulk write %s: %v", e.LogID, e.Err)
}

func (e *BulkException) Unwrap() error {
	return e.Err
}
