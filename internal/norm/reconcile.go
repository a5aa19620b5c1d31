package norm

import (
	store "github.com/hanpama/graphcache/internal/store"
)

// mergeGenerated folds the entity under the synthetic id fromID into the
// entity under toID, then deletes the synthetic entity.
//
// The real entity wins on field collisions. Where both sides hold
// references and the synthetic side's target is itself synthetic, the
// nested pair is merged recursively, so a whole speculative subtree is
// absorbed when its root gains a durable identity.
func (w *Writer) mergeGenerated(fromID, toID string) {
	gen, ok := w.Store.Get(fromID)
	if !ok {
		return
	}
	for key, gv := range gen {
		rv, has := w.Store.Lookup(toID, key)
		if has {
			if gref, ok := gv.(store.Ref); ok && gref.Generated {
				if rref, ok := rv.(store.Ref); ok && gref.ID != rref.ID {
					w.mergeGenerated(gref.ID, rref.ID)
				}
			}
			continue
		}
		w.set(toID, key, gv)
	}
	w.Store.Delete(fromID)
	w.Dirty[fromID] = struct{}{}
	w.Dirty[toID] = struct{}{}
}
