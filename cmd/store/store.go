// Package store persists Comparison records by id.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/airframesio/data-compare/cmd/comparison"
)

// Static errors for the store
var (
	ErrNotFound  = errors.New("comparison not found")
	ErrInvalidID = errors.New("invalid comparison id")
)

// Store is the durable persistence capability: Get, Put, Delete, List by id.
type Store interface {
	Get(ctx context.Context, id string) (*comparison.Comparison, error)
	Put(ctx context.Context, c *comparison.Comparison) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*comparison.Comparison, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that cannot be used as a file name or key segment.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
