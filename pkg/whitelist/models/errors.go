package models

import "errors"

// Common errors for whitelist store operations.
var (
	// Link errors
	ErrLinkNotFound  = errors.New("identity link not found")
	ErrDuplicateLink = errors.New("identity link already exists")

	// Entry errors
	ErrEntryNotFound = errors.New("whitelist entry not found")

	// ErrConflict indicates a transient lock/serialization conflict.
	// Callers retry these; see the reconcile package.
	ErrConflict = errors.New("transaction conflict")
)
