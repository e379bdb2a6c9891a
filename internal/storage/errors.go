package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyApplied is returned when a draft item edit targets an item that
// has already been materialized into its product.
var ErrAlreadyApplied = errors.New("storage: draft item already applied")
