package id

import "github.com/google/uuid"

// New returns a random v4 UUID for sessions and exports.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
