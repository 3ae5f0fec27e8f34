// Package uuid generates crawl run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 identifiers so run IDs sort by
// start time in the job log and Postgres.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (g Generator) NewID() (string, error) {
	id, err := g.NewRunID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRunID returns a UUID v7.
func (Generator) NewRunID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}
