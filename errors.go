package minicached

import "errors"

var (
	// ErrNotFound reports that a key was absent (or expired) where presence
	// was required. Returned by Incr and Decr; plain reads report misses
	// through their ok result instead.
	ErrNotFound = errors.New("minicached: key not found")

	// ErrNotNumeric reports that a stored value does not parse as a base-10
	// integer. The entry is left untouched.
	ErrNotNumeric = errors.New("minicached: value is not a number")
)
