package graphcache

import (
	"context"
	"errors"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	language "github.com/hanpama/graphcache/internal/language"
	norm "github.com/hanpama/graphcache/internal/norm"
	store "github.com/hanpama/graphcache/internal/store"
)

// Txn is the write surface handed to an optimistic update function. Its
// writes land in the mutation's own layer; its reads see the base store
// with every layer below that one applied (on a rebase replay, layers
// recorded after it stay invisible).
type Txn struct {
	cache *Cache
	store store.Writer
}

// Write normalizes result into the transaction's layer under the
// document's operation root.
func (t *Txn) Write(doc *QueryDocument, result map[string]any, vars map[string]any) error {
	op := language.GetOperation(doc, "")
	if op == nil {
		return errors.New("graphcache: document has no operation")
	}
	return t.write(rootFor(op), op.SelectionSet, language.Fragments(doc), result, vars)
}

// WriteAt is Write starting at an explicit entity id.
func (t *Txn) WriteAt(startID string, doc *QueryDocument, result map[string]any, vars map[string]any) error {
	op := language.GetOperation(doc, "")
	if op == nil {
		return errors.New("graphcache: document has no operation")
	}
	return t.write(startID, op.SelectionSet, language.Fragments(doc), result, vars)
}

// WriteFragment writes data at an entity id through a fragment selection.
func (t *Txn) WriteFragment(id string, doc *QueryDocument, fragmentName string, data map[string]any, vars map[string]any) error {
	frag, err := fragmentFor(doc, fragmentName)
	if err != nil {
		return err
	}
	return t.write(id, frag.SelectionSet, language.Fragments(doc), data, vars)
}

// Read reassembles the document against the store as the transaction
// sees it.
func (t *Txn) Read(doc *QueryDocument, vars map[string]any) (*Result, error) {
	op := language.GetOperation(doc, "")
	if op == nil {
		return nil, errors.New("graphcache: document has no operation")
	}
	r := &norm.Reader{Store: t.store, Vars: vars, Fragments: language.Fragments(doc)}
	return r.ReadSelectionSet(op.SelectionSet, rootFor(op))
}

// ReadFragment reads a fragment selection at an entity id as the
// transaction sees the store.
func (t *Txn) ReadFragment(id string, doc *QueryDocument, fragmentName string, vars map[string]any) (*Result, error) {
	frag, err := fragmentFor(doc, fragmentName)
	if err != nil {
		return nil, err
	}
	r := &norm.Reader{Store: t.store, Vars: vars, Fragments: language.Fragments(doc)}
	return r.ReadSelectionSet(frag.SelectionSet, id)
}

func (t *Txn) write(startID string, sel language.SelectionSet, frags language.FragmentMap, result map[string]any, vars map[string]any) error {
	w := &norm.Writer{
		Store:     t.store,
		Vars:      vars,
		Fragments: frags,
		Identify:  t.cache.identify,
	}
	return w.WriteSelectionSet(sel, startID, result)
}

// RecordOptimistic runs fn against a fresh layer over the current
// effective store and pushes the layer tagged mutationID. fn is retained
// and replayed on rebase, so it must be deterministic: given the same
// reads it must issue the same writes. A failed fn leaves the cache
// unchanged.
func (c *Cache) RecordOptimistic(mutationID string, fn func(*Txn) error) error {
	c.mu.Lock()
	dirty, err := c.stack.Record(mutationID, func(w store.Writer) error {
		return fn(&Txn{cache: c, store: w})
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	eventbus.Publish(context.Background(), c.bus, events.OptimisticPush{
		MutationID: mutationID,
		Dirty:      len(dirty),
	})
	c.bcast.Notify(dirty)
	return nil
}

// RemoveOptimistic drops the layer tagged mutationID, replays the layers
// recorded after it against the new effective base, and notifies every
// watcher whose entities may have changed. Removing an unknown id is a
// no-op.
func (c *Cache) RemoveOptimistic(mutationID string) {
	c.mu.Lock()
	dirty, rebased := c.stack.Remove(mutationID)
	layers := c.stack.Len()
	c.mu.Unlock()
	if dirty == nil {
		return
	}
	ctx := context.Background()
	eventbus.Publish(ctx, c.bus, events.OptimisticRemove{
		MutationID: mutationID,
		Dirty:      len(dirty),
		Layers:     layers,
	})
	for _, r := range rebased {
		eventbus.Publish(ctx, c.bus, events.OptimisticRebase{
			MutationID: r.MutationID,
			Dropped:    r.Dropped,
		})
	}
	c.bcast.Notify(dirty)
}

// CommitOptimistic retires the layer after the authoritative response has
// been written to the base store. It is RemoveOptimistic under a name
// that documents the intent.
func (c *Cache) CommitOptimistic(mutationID string) {
	c.RemoveOptimistic(mutationID)
}
