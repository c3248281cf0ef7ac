// Package idgen generates identifiers for customers, requests and log entries.
package idgen

import (
	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string. Used for customer IDs.
func New() string {
	return uuid.NewString()
}

// Ordered returns a time-ordered (version 7) UUID string, falling back to a
// random one if the clock source fails. Activity entries use it so that IDs
// sort roughly by creation time.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
