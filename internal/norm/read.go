package norm

import (
	"fmt"

	keys "github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
	store "github.com/hanpama/graphcache/internal/store"
)

// Result is the outcome of a denormalizing read: the reassembled tree and
// the paths of fields the store could not serve. Missing fields are data,
// not failure.
type Result struct {
	Data    map[string]any
	Missing []Path
}

// Complete reports whether the read was fully served from the store.
func (r *Result) Complete() bool { return len(r.Missing) == 0 }

// Reader reassembles a response tree from the flat store against a
// selection set, starting at an entity id.
//
// Every entity the traversal enters is recorded in Touched; the watch
// layer uses that set to invalidate the minimal group of watchers on a
// write. Traversal depth is bounded by the selection set itself, so
// cyclic entity references terminate naturally.
type Reader struct {
	Store     store.Reader
	Vars      map[string]any
	Fragments language.FragmentMap

	// Touched accumulates every entity id the read visits, including
	// dangling targets so their later arrival re-fires watchers.
	Touched map[string]struct{}
}

// ReadSelectionSet rebuilds the tree for sel starting at the entity id.
func (r *Reader) ReadSelectionSet(sel language.SelectionSet, id string) (*Result, error) {
	if r.Touched == nil {
		r.Touched = make(map[string]struct{})
	}
	out := make(map[string]any)
	missing, err := r.readInto(sel, id, nil, out)
	if err != nil {
		return nil, err
	}
	return &Result{Data: out, Missing: missing}, nil
}

func (r *Reader) readInto(sel language.SelectionSet, id string, path Path, out map[string]any) ([]Path, error) {
	r.Touched[id] = struct{}{}
	var missing []Path
	for _, selection := range sel {
		switch s := selection.(type) {
		case *language.Field:
			if !shouldInclude(s.Directives, r.Vars) {
				continue
			}
			m, err := r.readField(s, id, path, out)
			if err != nil {
				return nil, err
			}
			missing = append(missing, m...)
		case *language.InlineFragment:
			if !shouldInclude(s.Directives, r.Vars) {
				continue
			}
			m, err := r.readInto(s.SelectionSet, id, path, out)
			if err != nil {
				return nil, err
			}
			missing = append(missing, m...)
		case *language.FragmentSpread:
			if !shouldInclude(s.Directives, r.Vars) {
				continue
			}
			frag := r.Fragments.ForName(s.Name)
			if frag == nil {
				return nil, fmt.Errorf("%w: %q", ErrMissingFragment, s.Name)
			}
			m, err := r.readInto(frag.SelectionSet, id, path, out)
			if err != nil {
				return nil, err
			}
			missing = append(missing, m...)
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownSelection, selection)
		}
	}
	return missing, nil
}

func (r *Reader) readField(f *language.Field, id string, path Path, out map[string]any) ([]Path, error) {
	key, err := keys.Field(f, r.Vars)
	if err != nil {
		return nil, err
	}
	rk := keys.Response(f)
	fieldPath := path.child(rk)

	v, ok := r.Store.Lookup(id, key)
	if !ok {
		return []Path{fieldPath}, nil
	}

	if len(f.SelectionSet) == 0 {
		switch sv := v.(type) {
		case store.Scalar:
			out[rk] = sv.V
		case store.JSON:
			out[rk] = sv.V
		default:
			return nil, fmt.Errorf("%w: scalar field %s holds a reference", ErrMalformedResult, fieldPath)
		}
		return nil, nil
	}

	switch sv := v.(type) {
	case store.Scalar:
		if sv.V == nil {
			out[rk] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("%w: composite field %s holds a scalar", ErrMalformedResult, fieldPath)
	case store.JSON:
		return nil, fmt.Errorf("%w: composite field %s holds an opaque blob", ErrMalformedResult, fieldPath)
	case store.Ref:
		r.Touched[sv.ID] = struct{}{}
		if _, exists := r.Store.Get(sv.ID); !exists {
			return []Path{fieldPath}, nil
		}
		child, childMissing, err := r.readObject(f.SelectionSet, sv.ID, fieldPath, out, rk)
		if err != nil {
			return nil, err
		}
		out[rk] = child
		return childMissing, nil
	case store.List:
		items, m, err := r.readList(f, sv, fieldPath)
		if err != nil {
			return nil, err
		}
		out[rk] = items
		return m, nil
	}
	return nil, fmt.Errorf("%w: field %s holds unknown value kind %T", ErrMalformedResult, fieldPath, v)
}

// readObject reads a referenced entity, deep-merging into any sub-tree an
// earlier occurrence of the same response key already produced.
func (r *Reader) readObject(sel language.SelectionSet, id string, path Path, out map[string]any, rk string) (map[string]any, []Path, error) {
	target := make(map[string]any)
	if prev, ok := out[rk].(map[string]any); ok {
		target = prev
	}
	missing, err := r.readInto(sel, id, path, target)
	if err != nil {
		return nil, nil, err
	}
	return target, missing, nil
}

func (r *Reader) readList(f *language.Field, list store.List, path Path) ([]any, []Path, error) {
	items := make([]any, len(list.Elems))
	var missing []Path
	for i, elem := range list.Elems {
		elemPath := path.child(i)
		switch ev := elem.(type) {
		case nil:
			items[i] = nil
		case store.Ref:
			r.Touched[ev.ID] = struct{}{}
			if _, exists := r.Store.Get(ev.ID); !exists {
				missing = append(missing, elemPath)
				items[i] = nil
				continue
			}
			child := make(map[string]any)
			m, err := r.readInto(f.SelectionSet, ev.ID, elemPath, child)
			if err != nil {
				return nil, nil, err
			}
			items[i] = child
			missing = append(missing, m...)
		case store.List:
			nested, m, err := r.readList(f, ev, elemPath)
			if err != nil {
				return nil, nil, err
			}
			items[i] = nested
			missing = append(missing, m...)
		default:
			return nil, nil, fmt.Errorf("%w: list element %s holds %T", ErrMalformedResult, elemPath, elem)
		}
	}
	return items, missing, nil
}
