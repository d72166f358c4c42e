package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrRecordsUnsupported is returned by backends that keep no record history.
var ErrRecordsUnsupported = errors.New("storage: record history not supported by this backend")
