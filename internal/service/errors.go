package service

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound means the reference matched no task of this user.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidState means the task exists but its current state forbids
	// the requested operation. The wrapping message says which rule fired.
	ErrInvalidState = errors.New("invalid task state")

	// ErrEmptyReference means the request carried no way to address a task.
	ErrEmptyReference = errors.New("task reference required")

	// ErrStoreUnavailable wraps storage failures that are not a missing row.
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// mapStoreErr folds repository errors into the service taxonomy. Errors that
// already belong to the taxonomy pass through unchanged so transaction
// callbacks can raise them directly.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	default:
		return errors.Join(ErrStoreUnavailable, err)
	}
}
