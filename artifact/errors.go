package artifact

import "errors"

var (
	// ErrNotFound is returned when scope holds no artifact with the given id.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidID is returned for artifact ids that cannot name a file, such
	// as ids containing path separators.
	ErrInvalidID = errors.New("invalid artifact id")
)
