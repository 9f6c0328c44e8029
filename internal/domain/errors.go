// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed indicates the component has been shut down and accepts no more work.
var ErrClosed = errors.New("closed")

// ErrValidation indicates the request failed input validation.
var ErrValidation = errors.New("validation error")

// ErrConflict indicates the entity already exists.
var ErrConflict = errors.New("conflict")
