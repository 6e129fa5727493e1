// Package uuid generates the identifiers attached to upload runs and
// outgoing requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers, so request ids sort by
// issue time in server logs.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewRequestID returns the X-Request-ID value for one outgoing call.
func (Generator) NewRequestID() (string, error) {
	id, err := newV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRunID returns the identifier tying together the events of one upload.
func (Generator) NewRunID() (uuid.UUID, error) {
	return newV7()
}

func newV7() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}
