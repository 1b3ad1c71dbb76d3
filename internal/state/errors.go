package state

import "errors"

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a create collides with an existing key.
var ErrConflict = errors.New("conflict")
