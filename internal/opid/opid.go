// Package opid correlates the events of one cache operation: the start
// and finish events of a single write or read.
package opid

import (
	"context"

	"github.com/google/uuid"
)

// key is the context key for the operation ID.
type key struct{}

// NewContext returns a copy of parent with a fresh operation ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the operation ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(key{})
	id, ok := v.(string)
	return id, ok
}
