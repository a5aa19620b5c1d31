// Package metrics exposes prometheus collectors for cache activity, fed
// by the cache's event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
)

// Collectors holds the cache's prometheus instruments.
type Collectors struct {
	WritesTotal     prometheus.Counter
	PartialWrites   prometheus.Counter
	ReadsTotal      prometheus.Counter
	MissingFields   prometheus.Counter
	BroadcastsTotal prometheus.Counter
	NotifiedTotal   prometheus.Counter
	OptimisticPush  prometheus.Counter
	OptimisticDrop  prometheus.Counter
	Layers          prometheus.Gauge
	WriteSeconds    prometheus.Histogram
	ReadSeconds     prometheus.Histogram
}

// New builds the collectors with the graphcache namespace.
func New() *Collectors {
	return &Collectors{
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_writes_total", Help: "Result trees normalized into the store"}),
		PartialWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_partial_writes_total", Help: "Writes abandoned partway by a missing result field"}),
		ReadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_reads_total", Help: "Denormalizing reads served"}),
		MissingFields: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_missing_fields_total", Help: "Fields reads could not serve from the store"}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_broadcasts_total", Help: "Broadcast flushes"}),
		NotifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_watchers_notified_total", Help: "Watcher callbacks fired"}),
		OptimisticPush: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_optimistic_layers_pushed_total", Help: "Optimistic layers recorded"}),
		OptimisticDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_optimistic_layers_removed_total", Help: "Optimistic layers removed or committed"}),
		Layers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphcache_optimistic_layers", Help: "Live optimistic layers"}),
		WriteSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "graphcache_write_seconds", Help: "Write latency", Buckets: prometheus.DefBuckets}),
		ReadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "graphcache_read_seconds", Help: "Read latency", Buckets: prometheus.DefBuckets}),
	}
}

// Register registers every collector with reg.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.WritesTotal, c.PartialWrites, c.ReadsTotal, c.MissingFields,
		c.BroadcastsTotal, c.NotifiedTotal, c.OptimisticPush,
		c.OptimisticDrop, c.Layers, c.WriteSeconds, c.ReadSeconds,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the collectors to bus. The returned function detaches
// them again.
func (c *Collectors) Attach(bus *eventbus.Bus) (detach func()) {
	subs := []func(){
		eventbus.Subscribe(bus, func(_ context.Context, e events.WriteFinish) {
			c.WritesTotal.Inc()
			if e.Partial {
				c.PartialWrites.Inc()
			}
			c.WriteSeconds.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.ReadFinish) {
			c.ReadsTotal.Inc()
			c.MissingFields.Add(float64(e.Missing))
			c.ReadSeconds.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.BroadcastFlush) {
			c.BroadcastsTotal.Inc()
			c.NotifiedTotal.Add(float64(e.Notified))
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.OptimisticPush) {
			c.OptimisticPush.Inc()
			c.Layers.Inc()
		}),
		eventbus.Subscribe(bus, func(_ context.Context, e events.OptimisticRemove) {
			c.OptimisticDrop.Inc()
			c.Layers.Set(float64(e.Layers))
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}
