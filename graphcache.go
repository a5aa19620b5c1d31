// Package graphcache is a normalized GraphQL result cache with optimistic
// mutation support.
//
// The cache ingests query-shaped result trees and shreds them into a flat
// keyed store of entities: each object the host's identify callback can
// name is stored once under that id, objects without stable identity get
// deterministic synthetic ids, and nesting becomes references. Reads walk
// any compatible selection set against the store and reassemble a tree,
// reporting the paths they could not serve. Speculative writes stack as
// optimistic layers over the base store and can be removed or committed
// independently; layers recorded above a removed one are replayed, in
// original order, against the new effective base. Watchers register a
// (selection, start id, callback) and re-fire when a write touches an
// entity their last read depended on.
//
// A Cache is safe for concurrent use. Watcher callbacks run on a
// scheduler decoupled from the write path, so a burst of writes collapses
// into a single notification and no callback ever observes a store
// mid-write.
package graphcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	keys "github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
	metrics "github.com/hanpama/graphcache/internal/metrics"
	norm "github.com/hanpama/graphcache/internal/norm"
	opid "github.com/hanpama/graphcache/internal/opid"
	optimistic "github.com/hanpama/graphcache/internal/optimistic"
	otelsetup "github.com/hanpama/graphcache/internal/otel"
	store "github.com/hanpama/graphcache/internal/store"
	watch "github.com/hanpama/graphcache/internal/watch"
)

// QueryDocument is the parsed form of a GraphQL document.
type QueryDocument = language.QueryDocument

// ParseQuery parses a GraphQL query document.
func ParseQuery(source string) (*QueryDocument, error) {
	return language.ParseQuery(source)
}

// Entity ids for the roots of top-level operations.
const (
	RootQuery        = store.RootQuery
	RootMutation     = store.RootMutation
	RootSubscription = store.RootSubscription
)

// IdentifyFunc maps a result object to its durable entity id, or "" when
// the object has no stable identity. Ids must not start with '$'.
type IdentifyFunc func(obj map[string]any) string

// Result is the outcome of a read: the reassembled tree plus the paths of
// fields the store could not serve.
type Result = norm.Result

// Path addresses a position in a response tree.
type Path = norm.Path

// Snapshot is the serializable wire form of the store.
type Snapshot = store.Snapshot

// Error kinds surfaced by cache operations; match with errors.Is.
var (
	ErrIdentityViolation       = norm.ErrIdentityViolation
	ErrIdentityOverwrite       = norm.ErrIdentityOverwrite
	ErrMissingFragment         = norm.ErrMissingFragment
	ErrUnknownSelection        = norm.ErrUnknownSelection
	ErrMalformedResult         = norm.ErrMalformedResult
	ErrUnsupportedArgumentKind = keys.ErrUnsupportedKind
)

// Cache is one independent normalized store with its optimistic layer
// stack and watcher registry.
type Cache struct {
	mu       sync.Mutex
	base     *store.Data
	stack    *optimistic.Stack
	bcast    *watch.Broadcaster
	identify norm.IdentifyFunc
	bus      *eventbus.Bus
}

// Option configures a Cache.
type Option func(*Cache)

// WithIdentify installs the callback that names entities.
func WithIdentify(f IdentifyFunc) Option {
	return func(c *Cache) { c.identify = norm.IdentifyFunc(f) }
}

// WithScheduler replaces the broadcast scheduler. The default defers the
// flush to its own goroutine; tests typically inject a synchronous one.
func WithScheduler(schedule func(flush func())) Option {
	return func(c *Cache) {
		c.bcast = watch.NewBroadcaster(c.effective, &c.mu, schedule)
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		base: store.NewData(),
		bus:  eventbus.New(),
	}
	c.stack = optimistic.NewStack(c.base)
	c.bcast = watch.NewBroadcaster(c.effective, &c.mu, func(flush func()) { go flush() })
	for _, opt := range opts {
		opt(c)
	}
	c.bcast.Hook = func(watchers, notified int, took time.Duration) {
		eventbus.Publish(context.Background(), c.bus, events.BroadcastFlush{
			Watchers: watchers,
			Notified: notified,
			Duration: took,
		})
	}
	return c
}

// effective returns the store as reads should see it: the base plus every
// optimistic layer. Callers hold c.mu.
func (c *Cache) effective() store.Reader {
	return c.stack.Reader()
}

// rootFor picks the write/read root for an operation kind.
func rootFor(op *language.OperationDefinition) string {
	switch op.Operation {
	case language.Mutation:
		return RootMutation
	case language.Subscription:
		return RootSubscription
	default:
		return RootQuery
	}
}

// Write normalizes result into the base store under the document's
// operation root and notifies dependent watchers. A field the selection
// names but the result lacks abandons the rest of that branch; writes
// already applied stay.
func (c *Cache) Write(doc *QueryDocument, result map[string]any, vars map[string]any) error {
	op := language.GetOperation(doc, "")
	if op == nil {
		return errors.New("graphcache: document has no operation")
	}
	return c.write(rootFor(op), op.SelectionSet, language.Fragments(doc), result, vars)
}

// WriteAt is Write starting at an explicit entity id.
func (c *Cache) WriteAt(startID string, doc *QueryDocument, result map[string]any, vars map[string]any) error {
	op := language.GetOperation(doc, "")
	if op == nil {
		return errors.New("graphcache: document has no operation")
	}
	return c.write(startID, op.SelectionSet, language.Fragments(doc), result, vars)
}

// WriteFragment writes data at an arbitrary entity id through a fragment
// selection. fragmentName may be empty when the document holds exactly
// one fragment.
func (c *Cache) WriteFragment(id string, doc *QueryDocument, fragmentName string, data map[string]any, vars map[string]any) error {
	frag, err := fragmentFor(doc, fragmentName)
	if err != nil {
		return err
	}
	return c.write(id, frag.SelectionSet, language.Fragments(doc), data, vars)
}

func (c *Cache) write(startID string, sel language.SelectionSet, frags language.FragmentMap, result map[string]any, vars map[string]any) error {
	ctx, _ := opid.NewContext(context.Background())
	eventbus.Publish(ctx, c.bus, events.WriteStart{StartID: startID})
	started := time.Now()

	c.mu.Lock()
	w := &norm.Writer{
		Store:     c.base,
		Vars:      vars,
		Fragments: frags,
		Identify:  c.identify,
	}
	err := w.WriteSelectionSet(sel, startID, result)
	dirty, partial := w.Dirty, w.Partial
	c.mu.Unlock()

	eventbus.Publish(ctx, c.bus, events.WriteFinish{
		StartID:  startID,
		Dirty:    len(dirty),
		Partial:  partial,
		Err:      err,
		Duration: time.Since(started),
	})
	if err != nil {
		return err
	}
	c.bcast.Notify(dirty)
	return nil
}

// Read reassembles the document's operation against the effective store,
// optimistic layers included.
func (c *Cache) Read(doc *QueryDocument, vars map[string]any) (*Result, error) {
	op := language.GetOperation(doc, "")
	if op == nil {
		return nil, errors.New("graphcache: document has no operation")
	}
	return c.read(rootFor(op), op.SelectionSet, language.Fragments(doc), vars)
}

// ReadAt is Read starting at an explicit entity id.
func (c *Cache) ReadAt(startID string, doc *QueryDocument, vars map[string]any) (*Result, error) {
	op := language.GetOperation(doc, "")
	if op == nil {
		return nil, errors.New("graphcache: document has no operation")
	}
	return c.read(startID, op.SelectionSet, language.Fragments(doc), vars)
}

// ReadFragment reads a fragment selection starting at an arbitrary entity
// id.
func (c *Cache) ReadFragment(id string, doc *QueryDocument, fragmentName string, vars map[string]any) (*Result, error) {
	frag, err := fragmentFor(doc, fragmentName)
	if err != nil {
		return nil, err
	}
	return c.read(id, frag.SelectionSet, language.Fragments(doc), vars)
}

func (c *Cache) read(startID string, sel language.SelectionSet, frags language.FragmentMap, vars map[string]any) (*Result, error) {
	ctx, _ := opid.NewContext(context.Background())
	eventbus.Publish(ctx, c.bus, events.ReadStart{StartID: startID})
	started := time.Now()

	c.mu.Lock()
	r := &norm.Reader{
		Store:     c.effective(),
		Vars:      vars,
		Fragments: frags,
	}
	res, err := r.ReadSelectionSet(sel, startID)
	c.mu.Unlock()

	missing := 0
	if res != nil {
		missing = len(res.Missing)
	}
	eventbus.Publish(ctx, c.bus, events.ReadFinish{
		StartID:  startID,
		Missing:  missing,
		Err:      err,
		Duration: time.Since(started),
	})
	return res, err
}

// Watch registers a read that re-fires whenever a write touches an entity
// it depends on. The callback fires once immediately with the current
// result. The returned function unsubscribes.
func (c *Cache) Watch(doc *QueryDocument, vars map[string]any, startID string, cb func(*Result)) (func(), error) {
	op := language.GetOperation(doc, "")
	if op == nil {
		return nil, errors.New("graphcache: document has no operation")
	}
	if startID == "" {
		startID = rootFor(op)
	}
	return c.bcast.Watch(watch.Query{
		Selection: op.SelectionSet,
		Fragments: language.Fragments(doc),
		Variables: vars,
		StartID:   startID,
	}, watch.Callback(cb))
}

// Extract serializes the store, optionally with every optimistic layer
// folded in.
func (c *Cache) Extract(includeOptimistic bool) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if includeOptimistic {
		return store.Encode(c.stack.Effective())
	}
	return store.Encode(c.base.Entities())
}

// Restore replaces the base store with the decoded snapshot. Optimistic
// layers are left in place; every watcher re-reads.
func (c *Cache) Restore(snap Snapshot) error {
	entities, err := store.Decode(snap)
	if err != nil {
		return fmt.Errorf("graphcache: restore: %w", err)
	}
	c.mu.Lock()
	c.base.Replace(entities)
	c.mu.Unlock()
	c.bcast.NotifyAll()
	return nil
}

// Reset drops the base store and all optimistic layers; every watcher
// re-reads against the empty cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.base.Replace(nil)
	c.stack = optimistic.NewStack(c.base)
	c.mu.Unlock()
	c.bcast.NotifyAll()
}

// SetupTracing configures an OTLP trace exporter and attaches span
// subscribers for this cache's operations. An empty endpoint disables
// tracing. The returned function shuts the exporter down.
func (c *Cache) SetupTracing(endpoint, service string) (func(context.Context) error, error) {
	return otelsetup.Setup(endpoint, service, c.bus)
}

// RegisterMetrics registers prometheus collectors for this cache with reg
// and feeds them from the cache's events. The returned function detaches
// the collectors from the event stream.
func (c *Cache) RegisterMetrics(reg prometheus.Registerer) (func(), error) {
	cols := metrics.New()
	if err := cols.Register(reg); err != nil {
		return nil, err
	}
	return cols.Attach(c.bus), nil
}

func fragmentFor(doc *QueryDocument, name string) (*language.FragmentDefinition, error) {
	if name == "" {
		if len(doc.Fragments) != 1 {
			return nil, fmt.Errorf("graphcache: document defines %d fragments, name one", len(doc.Fragments))
		}
		return doc.Fragments[0], nil
	}
	frag := language.Fragments(doc).ForName(name)
	if frag == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingFragment, name)
	}
	return frag, nil
}
