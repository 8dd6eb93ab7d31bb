package store

import "errors"

// ErrNotFound is returned when a rollout does not exist in the store.
var ErrNotFound = errors.New("not found")
