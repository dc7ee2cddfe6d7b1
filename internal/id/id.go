// Package id provides job id generators.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// UUIDv7 creates time-ordered UUID strings.
type UUIDv7 struct{}

// NewUUIDv7 creates a UUIDv7 generator.
func NewUUIDv7() UUIDv7 {
	return UUIDv7{}
}

// NewID returns a UUIDv7 string.
func (UUIDv7) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}

// Sequence hands out a fixed list of ids, then fails.
type Sequence struct {
	mu  sync.Mutex
	ids []string
}

// NewSequence creates a Sequence over ids.
func NewSequence(ids ...string) *Sequence {
	return &Sequence{ids: append([]string(nil), ids...)}
}

// NewID returns the next id.
func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return "", fmt.Errorf("id sequence exhausted")
	}
	next := s.ids[0]
	s.ids = s.ids[1:]
	return next, nil
}
