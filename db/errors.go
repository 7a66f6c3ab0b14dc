package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrResourceNotFound indicates the resource row is gone (or soft-deleted).
	ErrResourceNotFound = errors.New("resource not found")

	// ErrUserNotFound indicates that a user was not found in the database
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateObjectKey indicates a resource already uses the object key
	ErrDuplicateObjectKey = errors.New("object key already in use")
)
