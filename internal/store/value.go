package store

import (
	"reflect"
	"strings"
)

// Entity ids for the roots of top-level operations.
const (
	RootQuery        = "ROOT_QUERY"
	RootMutation     = "ROOT_MUTATION"
	RootSubscription = "ROOT_SUBSCRIPTION"
)

// IsGenerated reports whether id is a synthetic id minted by the writer.
func IsGenerated(id string) bool { return strings.HasPrefix(id, "$") }

// Value is one cell of a normalized entity.
//
// The concrete kinds are Scalar (an inline leaf, including explicit null),
// JSON (an opaque blob stored at a field with no sub-selection), Ref (a
// pointer to another entity) and List (a possibly ragged, possibly
// null-holed list of refs or nested lists).
type Value interface{ value() }

// Scalar holds a leaf value inline: nil, bool, float64/int, string, or a
// list of strings.
type Scalar struct{ V any }

// JSON wraps an opaque object value so it can never be confused with a
// reference.
type JSON struct{ V any }

// Ref points at another entity. Generated is true iff ID is synthetic.
type Ref struct {
	ID        string
	Generated bool
}

// List is a list of Ref, nested List, or nil holes.
type List struct{ Elems []Value }

func (Scalar) value() {}
func (JSON) value()   {}
func (Ref) value()    {}
func (List) value()   {}

// Equal reports deep equality of two values. The writer uses it to leave
// the store untouched on duplicate writes.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Scalar:
		bv, ok := b.(Scalar)
		return ok && reflect.DeepEqual(av.V, bv.V)
	case JSON:
		bv, ok := b.(JSON)
		return ok && reflect.DeepEqual(av.V, bv.V)
	case Ref:
		bv, ok := b.(Ref)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av.Elems) != len(bv.Elems) {
			return false
		}
		for i := range av.Elems {
			if !Equal(av.Elems[i], bv.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}
