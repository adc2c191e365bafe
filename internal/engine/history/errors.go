package history

import "errors"

var (
	// ErrInvalidArgument rejects a request before anything is written.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound means the targeted history row does not exist.
	ErrNotFound = errors.New("history not found")
	// ErrAlreadyPatched means the outcome of this history row was already
	// recorded. Outcomes are never overwritten.
	ErrAlreadyPatched = errors.New("history outcome already recorded")
	// ErrConsistency means an update touched more than one row. Ids are unique,
	// so this points at a data integrity bug and is never corrected silently.
	ErrConsistency = errors.New("history consistency violation")
)
