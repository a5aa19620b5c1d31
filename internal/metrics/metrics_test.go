package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
)

func TestCollectorsFollowEvents(t *testing.T) {
	bus := eventbus.New()
	cols := New()
	reg := prometheus.NewRegistry()
	if err := cols.Register(reg); err != nil {
		t.Fatal(err)
	}
	detach := cols.Attach(bus)
	defer detach()

	ctx := context.Background()
	eventbus.Publish(ctx, bus, events.WriteFinish{Dirty: 3, Partial: true, Duration: time.Millisecond})
	eventbus.Publish(ctx, bus, events.ReadFinish{Missing: 2, Duration: time.Millisecond})
	eventbus.Publish(ctx, bus, events.OptimisticPush{MutationID: "m1", Dirty: 1})
	eventbus.Publish(ctx, bus, events.OptimisticRemove{MutationID: "m1", Layers: 0})
	eventbus.Publish(ctx, bus, events.BroadcastFlush{Watchers: 2, Notified: 1})

	if got := testutil.ToFloat64(cols.WritesTotal); got != 1 {
		t.Fatalf("writes = %v", got)
	}
	if got := testutil.ToFloat64(cols.PartialWrites); got != 1 {
		t.Fatalf("partial writes = %v", got)
	}
	if got := testutil.ToFloat64(cols.MissingFields); got != 2 {
		t.Fatalf("missing fields = %v", got)
	}
	if got := testutil.ToFloat64(cols.Layers); got != 0 {
		t.Fatalf("layers gauge = %v", got)
	}
	if got := testutil.ToFloat64(cols.NotifiedTotal); got != 1 {
		t.Fatalf("notified = %v", got)
	}

	detach()
	eventbus.Publish(ctx, bus, events.WriteFinish{})
	if got := testutil.ToFloat64(cols.WritesTotal); got != 1 {
		t.Fatalf("detached collector still counting: %v", got)
	}
}
