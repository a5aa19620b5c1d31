// Package optimistic layers speculative diffs over the base store.
//
// Each recorded mutation becomes one layer holding the entities it wrote.
// Reads scan layers top-down before falling through to the base, so later
// layers shadow earlier ones. Removing a layer replays every layer above
// it, in original push order, against the new effective base; replay
// re-runs the caller's recorded write function, which therefore must be
// deterministic. Replay in original order is load-bearing: removing a
// middle layer can legitimately produce a store that differs from one
// where that layer never existed.
package optimistic

import (
	"github.com/google/uuid"

	store "github.com/hanpama/graphcache/internal/store"
)

// WriteFn applies a recorded optimistic update against w. It is kept for
// the lifetime of the layer and re-run on every rebase.
type WriteFn func(w store.Writer) error

// Layer is one speculative diff tagged with the mutation that produced it.
type Layer struct {
	id         string
	mutationID string
	diff       *diff
	replay     WriteFn
}

// MutationID returns the tag the layer was recorded under.
func (l *Layer) MutationID() string { return l.mutationID }

// Stack is the ordered list of optimistic layers over a base store.
type Stack struct {
	base   *store.Data
	layers []*Layer
}

func NewStack(base *store.Data) *Stack {
	return &Stack{base: base}
}

// Len returns the number of live layers.
func (s *Stack) Len() int { return len(s.layers) }

// Reader returns the effective store: base plus every layer.
func (s *Stack) Reader() store.Reader {
	if len(s.layers) == 0 {
		return s.base
	}
	return &view{base: s.base, below: s.layers}
}

// Record runs fn against a fresh diff layered over the current effective
// store and pushes the diff as a new layer tagged mutationID. It returns
// the set of entity ids the layer touches. A failed fn leaves the stack
// unchanged.
func (s *Stack) Record(mutationID string, fn WriteFn) (map[string]struct{}, error) {
	d := newDiff()
	v := &view{base: s.base, below: s.layers, target: d}
	if err := fn(v); err != nil {
		return nil, err
	}
	s.layers = append(s.layers, &Layer{
		id:         uuid.NewString(),
		mutationID: mutationID,
		diff:       d,
		replay:     fn,
	})
	return d.touchedIDs(), nil
}

// RebaseResult describes one layer replayed by Remove.
type RebaseResult struct {
	MutationID string
	// Dropped is set when the replay failed and the layer was discarded.
	Dropped bool
}

// Remove drops the first layer tagged mutationID and rebases every layer
// above it by replaying its write function over the new effective base.
// It returns every entity id whose effective value may have changed plus
// one RebaseResult per replayed layer, in replay order. A layer whose
// replay fails is dropped; its prior footprint stays in the returned set.
func (s *Stack) Remove(mutationID string) (map[string]struct{}, []RebaseResult) {
	idx := -1
	for i, l := range s.layers {
		if l.mutationID == mutationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	dirty := s.layers[idx].diff.touchedIDs()
	s.layers = append(s.layers[:idx:idx], s.layers[idx+1:]...)

	var rebased []RebaseResult
	i := idx
	for i < len(s.layers) {
		l := s.layers[i]
		for id := range l.diff.touchedIDs() {
			dirty[id] = struct{}{}
		}
		d := newDiff()
		v := &view{base: s.base, below: s.layers[:i], target: d}
		if err := l.replay(v); err != nil {
			rebased = append(rebased, RebaseResult{MutationID: l.mutationID, Dropped: true})
			s.layers = append(s.layers[:i:i], s.layers[i+1:]...)
			continue
		}
		l.diff = d
		for id := range d.touchedIDs() {
			dirty[id] = struct{}{}
		}
		rebased = append(rebased, RebaseResult{MutationID: l.mutationID})
		i++
	}
	return dirty, rebased
}

// Effective merges the base and every layer into a flat entity mapping.
func (s *Stack) Effective() map[string]store.Object {
	merged := make(map[string]store.Object, len(s.base.Entities()))
	for id, obj := range s.base.Entities() {
		merged[id] = obj
	}
	for _, l := range s.layers {
		for id := range l.diff.deleted {
			delete(merged, id)
		}
		for id, overlay := range l.diff.entities {
			if cur, ok := merged[id]; ok {
				next := make(store.Object, len(cur)+len(overlay))
				for k, v := range cur {
					next[k] = v
				}
				for k, v := range overlay {
					next[k] = v
				}
				merged[id] = next
			} else {
				merged[id] = overlay
			}
		}
	}
	return merged
}
