// Package id provides UUIDv7 generation for transaction frames and physical transactions.
// UUIDv7 is time-ordered, so ids sort by creation time in logs.
package id

import (
	"github.com/google/uuid"
)

// ID is a type alias for UUID.
type ID = uuid.UUID

// New generates a new UUIDv7 (time-ordered UUID).
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to V4 if V7 fails (should never happen)
		return uuid.New()
	}
	return id
}

// Short returns the first 8 hex characters, enough to tell frames apart in logs.
func Short(v ID) string {
	return v.String()[:8]
}

// IsNil checks if ID is zero-value.
func IsNil(v ID) bool {
	return v == uuid.Nil
}
