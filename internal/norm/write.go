package norm

import (
	"fmt"
	"strconv"
	"strings"

	keys "github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
	store "github.com/hanpama/graphcache/internal/store"
)

// IdentifyFunc maps a result object to its durable entity id, or "" when
// the object has no stable identity. Returned ids must not be in the
// synthetic ($-prefixed) namespace.
type IdentifyFunc func(obj map[string]any) string

// Writer shreds a query-shaped result tree into flat entity writes.
//
// It walks the selection set and the result tree in lockstep, keying each
// field by its argument-aware store key, minting synthetic ids for
// objects the identify callback cannot name, and reconciling a synthetic
// entity into its real id when one is later learned for the same slot.
type Writer struct {
	Store     store.Writer
	Vars      map[string]any
	Fragments language.FragmentMap
	Identify  IdentifyFunc

	// Dirty accumulates the ids of entities this writer changed.
	Dirty map[string]struct{}

	// Partial is set when a missing result field abandoned part of the
	// write. The data written up to that point stays.
	Partial bool
}

// WriteSelectionSet writes result under the entity id.
func (w *Writer) WriteSelectionSet(sel language.SelectionSet, id string, result map[string]any) error {
	if w.Dirty == nil {
		w.Dirty = make(map[string]struct{})
	}
	err := w.writeSelectionSet(sel, id, result, nil)
	if err != nil && IsPartialWrite(err) {
		w.Partial = true
		return nil
	}
	return err
}

func (w *Writer) writeSelectionSet(sel language.SelectionSet, id string, result map[string]any, path Path) error {
	for _, selection := range sel {
		switch s := selection.(type) {
		case *language.Field:
			if !shouldInclude(s.Directives, w.Vars) {
				continue
			}
			if err := w.writeField(s, id, result, path); err != nil {
				return err
			}
		case *language.InlineFragment:
			if !shouldInclude(s.Directives, w.Vars) {
				continue
			}
			// Type conditions are not enforced; a mismatched fragment
			// surfaces as a partial write and is abandoned here.
			if err := w.writeSelectionSet(s.SelectionSet, id, result, path); err != nil {
				if IsPartialWrite(err) {
					w.Partial = true
					continue
				}
				return err
			}
		case *language.FragmentSpread:
			if !shouldInclude(s.Directives, w.Vars) {
				continue
			}
			frag := w.Fragments.ForName(s.Name)
			if frag == nil {
				return fmt.Errorf("%w: %q", ErrMissingFragment, s.Name)
			}
			if err := w.writeSelectionSet(frag.SelectionSet, id, result, path); err != nil {
				if IsPartialWrite(err) {
					w.Partial = true
					continue
				}
				return err
			}
		default:
			return fmt.Errorf("%w: %T", ErrUnknownSelection, selection)
		}
	}
	return nil
}

func (w *Writer) writeField(f *language.Field, id string, result map[string]any, path Path) error {
	key, err := keys.Field(f, w.Vars)
	if err != nil {
		return err
	}
	rk := keys.Response(f)
	fieldPath := path.child(rk)

	value, ok := result[rk]
	if !ok {
		return &partialWriteError{path: fieldPath}
	}

	if len(f.SelectionSet) == 0 {
		w.set(id, key, leafValue(value))
		return nil
	}

	switch v := value.(type) {
	case nil:
		w.set(id, key, store.Scalar{})
		return nil
	case []any:
		old, _ := w.Store.Lookup(id, key)
		list, err := w.writeList(f, id, key, v, old, fieldPath)
		if err != nil {
			return err
		}
		w.set(id, key, list)
		return nil
	case map[string]any:
		return w.writeChild(f, id, key, v, fieldPath)
	default:
		return fmt.Errorf("%w: composite field %s holds %T", ErrMalformedResult, fieldPath, value)
	}
}

// writeChild normalizes a single nested object and installs a reference
// to it, reconciling identities when the slot previously held a synthetic
// reference.
func (w *Writer) writeChild(f *language.Field, parent, key string, value map[string]any, path Path) error {
	childID, generated, err := w.childID(value, parent, key)
	if err != nil {
		return err
	}

	old, hadOld := w.Store.Lookup(parent, key)
	if hadOld {
		if oref, ok := old.(store.Ref); ok && !oref.Generated && generated {
			return fmt.Errorf("%w: slot %s already holds id %q", ErrIdentityOverwrite, path, oref.ID)
		}
	}

	if err := w.writeSelectionSet(f.SelectionSet, childID, value, path); err != nil {
		return err
	}

	if hadOld {
		if oref, ok := old.(store.Ref); ok && oref.Generated && oref.ID != childID {
			w.mergeGenerated(oref.ID, childID)
		}
	}

	w.set(parent, key, store.Ref{ID: childID, Generated: generated})
	return nil
}

// writeList normalizes a list value. old is the value previously stored
// at this position, so a generated element superseded by a real id at the
// same index gets reconciled just like a single-reference slot; no
// overwrite error applies here because inserts shift positions
// legitimately.
func (w *Writer) writeList(f *language.Field, parent, key string, items []any, old store.Value, path Path) (store.Value, error) {
	oldList, _ := old.(store.List)
	elems := make([]store.Value, len(items))
	for i, item := range items {
		elemPath := path.child(i)
		elemKey := key + "." + strconv.Itoa(i)
		var oldElem store.Value
		if i < len(oldList.Elems) {
			oldElem = oldList.Elems[i]
		}
		switch v := item.(type) {
		case nil:
			elems[i] = nil
		case []any:
			nested, err := w.writeList(f, parent, elemKey, v, oldElem, elemPath)
			if err != nil {
				return nil, err
			}
			elems[i] = nested
		case map[string]any:
			childID, generated, err := w.childID(v, parent, elemKey)
			if err != nil {
				return nil, err
			}
			if err := w.writeSelectionSet(f.SelectionSet, childID, v, elemPath); err != nil {
				return nil, err
			}
			if oref, ok := oldElem.(store.Ref); ok && oref.Generated && oref.ID != childID {
				w.mergeGenerated(oref.ID, childID)
			}
			elems[i] = store.Ref{ID: childID, Generated: generated}
		default:
			return nil, fmt.Errorf("%w: list element %s holds %T", ErrMalformedResult, elemPath, item)
		}
	}
	return store.List{Elems: elems}, nil
}

// childID resolves the entity id for a nested object: the identify
// callback's answer when it has one, else a synthetic id derived from the
// parent id and field key.
func (w *Writer) childID(obj map[string]any, parent, key string) (id string, generated bool, err error) {
	if w.Identify != nil {
		if given := w.Identify(obj); given != "" {
			if store.IsGenerated(given) {
				return "", false, fmt.Errorf("%w: %q", ErrIdentityViolation, given)
			}
			return given, false, nil
		}
	}
	return syntheticID(parent, key), true, nil
}

// syntheticID derives the deterministic generated id for the object at
// (parent, key). A parent already in the synthetic namespace stays there.
func syntheticID(parent, key string) string {
	id := parent + "." + key
	if !strings.HasPrefix(id, "$") {
		id = "$" + id
	}
	return id
}

func (w *Writer) set(id, key string, v store.Value) {
	if w.Store.Set(id, key, v) {
		w.Dirty[id] = struct{}{}
	}
}

// leafValue classifies a selection-less field's value: objects, empty
// arrays and arrays holding anything but strings are opaque blobs,
// everything else is stored inline.
func leafValue(value any) store.Value {
	switch v := value.(type) {
	case map[string]any:
		return store.JSON{V: v}
	case []any:
		// Only non-empty string arrays stay inline; anything else would be
		// ambiguous against a reference list in the snapshot wire form.
		if len(v) == 0 {
			return store.JSON{V: v}
		}
		for _, e := range v {
			if _, ok := e.(string); !ok {
				return store.JSON{V: v}
			}
		}
		return store.Scalar{V: v}
	default:
		return store.Scalar{V: value}
	}
}
