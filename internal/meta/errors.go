package meta

import (
	"fmt"
)

// ConflictError is returned by CommitHash when the object changed after the
// hash was computed. errors.Is matches common.ErrInstanceMismatch or
// common.ErrTimestampMismatch.
type ConflictError struct {
	Path   string
	Reason error
	Want   string
	Got    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %v (want %s, got %s)", e.Path, e.Reason, e.Want, e.Got)
}

func (e *ConflictError) Unwrap() error {
	return e.Reason
}
