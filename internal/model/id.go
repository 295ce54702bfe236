package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewCorrelationID generates a correlation id for callers that did not
// supply one.
func NewCorrelationID() string {
	return uuid.NewString()
}
