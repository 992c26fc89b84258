package reminder

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTimeFormat = errors.New("reminder: invalid time format")
	ErrInvalidDateFormat = errors.New("reminder: invalid date format")
	ErrPermissionDenied  = errors.New("reminder: notification permission not granted")
	ErrUnsupported       = errors.New("reminder: notifications unsupported by host")
	ErrNoSource          = errors.New("reminder: no obligation source")
	ErrStopped           = errors.New("reminder: loop stopped")
)

// ProjectionError reports one record that could not be projected.
type ProjectionError struct {
	Kind Kind
	ID   string
	Err  error
}

func (e ProjectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e ProjectionError) Unwrap() error { return e.Err }
