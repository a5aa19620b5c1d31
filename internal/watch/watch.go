// Package watch tracks which entities each active read depends on and
// re-runs the minimal set of reads when a write lands.
//
// Writers report the ids they mutated; the broadcaster intersects them
// with each watcher's touched set, coalesces bursts of writes into one
// flush, and re-reads only the dirty watchers. A watcher whose re-read
// composes the same entities (by object identity, which copy-on-write
// makes meaningful) does not fire.
package watch

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	language "github.com/hanpama/graphcache/internal/language"
	norm "github.com/hanpama/graphcache/internal/norm"
	store "github.com/hanpama/graphcache/internal/store"
)

// Query is the registered shape of one watcher.
type Query struct {
	Selection language.SelectionSet
	Fragments language.FragmentMap
	Variables map[string]any
	StartID   string
}

// Callback receives the re-read result when a watcher's dependencies
// changed.
type Callback func(*norm.Result)

// Watcher is one registered (selection, start-id, callback) with the
// entity ids its last read touched. Its touched and last fields are only
// accessed by the registering call and by flushes, which are serialized
// by the queued flag.
type Watcher struct {
	id       string
	query    Query
	callback Callback
	touched  map[string]struct{}
	last     map[string]store.Object
	stopped  bool
}

// Broadcaster owns the watcher registry and the write-to-notify path.
//
// guard serializes store access with the cache's own mutation path, so a
// flush never observes a store mid-write. guard and the registry mutex
// are never held together.
type Broadcaster struct {
	mu        sync.Mutex
	effective func() store.Reader
	guard     sync.Locker
	schedule  func(flush func())
	watchers  []*Watcher
	dirty     map[string]struct{}
	queued    bool

	// Hook, when set, observes every flush.
	Hook func(watchers, notified int, took time.Duration)
}

func NewBroadcaster(effective func() store.Reader, guard sync.Locker, schedule func(func())) *Broadcaster {
	return &Broadcaster{
		effective: effective,
		guard:     guard,
		schedule:  schedule,
		dirty:     make(map[string]struct{}),
	}
}

// Watch registers q, fires cb once with the current result, and returns
// the unsubscribe function. Unsubscribing during a flush is safe.
func (b *Broadcaster) Watch(q Query, cb Callback) (unsubscribe func(), err error) {
	w := &Watcher{id: uuid.NewString(), query: q, callback: cb}

	b.guard.Lock()
	res, runErr := b.run(w)
	b.guard.Unlock()
	if runErr != nil {
		return nil, runErr
	}

	b.mu.Lock()
	b.watchers = append(b.watchers, w)
	b.mu.Unlock()

	cb(res)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		w.stopped = true
		for i, reg := range b.watchers {
			if reg.id == w.id {
				b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
				break
			}
		}
	}, nil
}

// Count returns the number of registered watchers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers)
}

// Notify records the ids a write mutated and queues a flush. Bursts of
// writes before the flush runs collapse into a single notification.
// Callers must not hold the guard.
func (b *Broadcaster) Notify(written map[string]struct{}) {
	if len(written) == 0 {
		return
	}
	b.mu.Lock()
	for id := range written {
		b.dirty[id] = struct{}{}
	}
	queued := b.queued
	b.queued = true
	b.mu.Unlock()
	if !queued {
		b.schedule(b.flush)
	}
}

// NotifyAll marks every watcher dirty, used by reset and restore.
func (b *Broadcaster) NotifyAll() {
	b.mu.Lock()
	for _, w := range b.watchers {
		for id := range w.touched {
			b.dirty[id] = struct{}{}
		}
		b.dirty[w.query.StartID] = struct{}{}
	}
	queued := b.queued
	b.queued = true
	b.mu.Unlock()
	if !queued {
		b.schedule(b.flush)
	}
}

func (b *Broadcaster) flush() {
	started := time.Now()

	b.mu.Lock()
	written := b.dirty
	b.dirty = make(map[string]struct{})
	b.queued = false
	snapshot := append([]*Watcher(nil), b.watchers...)
	b.mu.Unlock()

	// Callbacks fire in registration order.
	notified := 0
	for _, w := range snapshot {
		b.mu.Lock()
		stopped := w.stopped
		b.mu.Unlock()
		if stopped || !intersects(w.touched, written) {
			continue
		}

		b.guard.Lock()
		prev := w.last
		res, err := b.run(w)
		b.guard.Unlock()

		if err == nil && !sameComposition(prev, w.last) {
			notified++
			w.callback(res)
		}
	}

	if b.Hook != nil {
		b.Hook(len(snapshot), notified, time.Since(started))
	}
}

// run re-reads the watcher's query against the current effective store
// and refreshes its dependency set and entity snapshot. Callers hold the
// guard.
func (b *Broadcaster) run(w *Watcher) (*norm.Result, error) {
	src := b.effective()
	r := &norm.Reader{
		Store:     src,
		Vars:      w.query.Variables,
		Fragments: w.query.Fragments,
	}
	res, err := r.ReadSelectionSet(w.query.Selection, w.query.StartID)
	if err != nil {
		return nil, err
	}
	w.touched = r.Touched
	w.last = make(map[string]store.Object, len(r.Touched))
	for id := range r.Touched {
		if obj, ok := src.Get(id); ok {
			w.last[id] = obj
		}
	}
	return res, nil
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}

// sameComposition reports whether two reads assembled the same entities.
// Object identity is the fast path; layered views rebuild merged objects
// per call, so equal contents also count.
func sameComposition(prev, next map[string]store.Object) bool {
	if len(prev) != len(next) {
		return false
	}
	for id, nobj := range next {
		pobj, ok := prev[id]
		if !ok {
			return false
		}
		if reflect.ValueOf(pobj).Pointer() == reflect.ValueOf(nobj).Pointer() {
			continue
		}
		if !objectEqual(pobj, nobj) {
			return false
		}
	}
	return true
}

func objectEqual(a, b store.Object) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !store.Equal(av, bv) {
			return false
		}
	}
	return true
}
