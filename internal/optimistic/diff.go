package optimistic

import (
	store "github.com/hanpama/graphcache/internal/store"
)

// diff holds the partial entities one layer wrote plus tombstones for the
// entities it deleted.
type diff struct {
	entities map[string]store.Object
	deleted  map[string]struct{}
}

func newDiff() *diff {
	return &diff{
		entities: make(map[string]store.Object),
		deleted:  make(map[string]struct{}),
	}
}

func (d *diff) touchedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(d.entities)+len(d.deleted))
	for id := range d.entities {
		ids[id] = struct{}{}
	}
	for id := range d.deleted {
		ids[id] = struct{}{}
	}
	return ids
}

// view reads through a layer stack and, when target is set, writes into
// it. Field lookups take the first definition scanning target, then the
// layers below from top to bottom, then the base; a tombstone stops the
// scan for its id.
type view struct {
	base   *store.Data
	below  []*Layer
	target *diff
}

func (v *view) Lookup(id, field string) (store.Value, bool) {
	if v.target != nil {
		if obj, ok := v.target.entities[id]; ok {
			if val, has := obj[field]; has {
				return val, true
			}
		}
		if _, dead := v.target.deleted[id]; dead {
			return nil, false
		}
	}
	for i := len(v.below) - 1; i >= 0; i-- {
		d := v.below[i].diff
		if obj, ok := d.entities[id]; ok {
			if val, has := obj[field]; has {
				return val, true
			}
		}
		if _, dead := d.deleted[id]; dead {
			return nil, false
		}
	}
	return v.base.Lookup(id, field)
}

func (v *view) Get(id string) (store.Object, bool) {
	touched := v.target != nil && v.target.touches(id)
	if !touched {
		for _, l := range v.below {
			if l.diff.touches(id) {
				touched = true
				break
			}
		}
	}
	// Pass the base object through untouched so its identity is stable
	// for watchers comparing entity composition.
	if !touched {
		return v.base.Get(id)
	}

	var acc store.Object
	if baseObj, ok := v.base.Get(id); ok {
		acc = baseObj.Clone()
	}
	overlay := func(d *diff) {
		if _, dead := d.deleted[id]; dead {
			acc = nil
		}
		if obj, ok := d.entities[id]; ok {
			if acc == nil {
				acc = make(store.Object, len(obj))
			}
			for k, val := range obj {
				acc[k] = val
			}
		}
	}
	for _, l := range v.below {
		overlay(l.diff)
	}
	if v.target != nil {
		overlay(v.target)
	}
	if acc == nil {
		return nil, false
	}
	return acc, true
}

func (v *view) Set(id, field string, val store.Value) bool {
	if cur, ok := v.Lookup(id, field); ok && store.Equal(cur, val) {
		return false
	}
	delete(v.target.deleted, id)
	obj, ok := v.target.entities[id]
	if !ok {
		obj = make(store.Object, 1)
	} else {
		obj = obj.Clone()
	}
	obj[field] = val
	v.target.entities[id] = obj
	return true
}

func (v *view) Delete(id string) {
	delete(v.target.entities, id)
	v.target.deleted[id] = struct{}{}
}

func (d *diff) touches(id string) bool {
	if _, ok := d.entities[id]; ok {
		return true
	}
	_, dead := d.deleted[id]
	return dead
}
