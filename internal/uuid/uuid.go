// Package uuid generates unique identifiers.
package uuid

import "github.com/google/uuid"

// New returns a new random UUID string.
func New() string {
	return uuid.NewString()
}
