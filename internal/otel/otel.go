package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	opid "github.com/hanpama/graphcache/internal/opid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches span subscribers to the
// cache's event bus. If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string, bus *eventbus.Bus) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("graphcache")}
	sub.register(bus)

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer     trace.Tracer
	writeSpans sync.Map // opid -> trace.Span
	readSpans  sync.Map // opid -> trace.Span
}

func (s *subscriber) register(bus *eventbus.Bus) {
	eventbus.Subscribe(bus, func(ctx context.Context, e events.WriteStart) {
		oid, _ := opid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "cache.write")
		span.SetAttributes(attribute.String("cache.start_id", e.StartID))
		s.writeSpans.Store(oid, span)
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.WriteFinish) {
		oid, _ := opid.FromContext(ctx)
		v, ok := s.writeSpans.LoadAndDelete(oid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int("cache.dirty_entities", e.Dirty),
			attribute.Bool("cache.partial", e.Partial),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.ReadStart) {
		oid, _ := opid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "cache.read")
		span.SetAttributes(attribute.String("cache.start_id", e.StartID))
		s.readSpans.Store(oid, span)
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.ReadFinish) {
		oid, _ := opid.FromContext(ctx)
		v, ok := s.readSpans.LoadAndDelete(oid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("cache.missing_fields", e.Missing))
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.OptimisticPush) {
		_, span := s.tracer.Start(ctx, "cache.optimistic.push")
		span.SetAttributes(
			attribute.String("cache.mutation_id", e.MutationID),
			attribute.Int("cache.dirty_entities", e.Dirty),
		)
		span.End()
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.OptimisticRemove) {
		_, span := s.tracer.Start(ctx, "cache.optimistic.remove")
		span.SetAttributes(
			attribute.String("cache.mutation_id", e.MutationID),
			attribute.Int("cache.dirty_entities", e.Dirty),
			attribute.Int("cache.layers", e.Layers),
		)
		span.End()
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.OptimisticRebase) {
		_, span := s.tracer.Start(ctx, "cache.optimistic.rebase")
		span.SetAttributes(
			attribute.String("cache.mutation_id", e.MutationID),
			attribute.Bool("cache.dropped", e.Dropped),
		)
		span.End()
	})

	eventbus.Subscribe(bus, func(ctx context.Context, e events.BroadcastFlush) {
		_, span := s.tracer.Start(ctx, "cache.broadcast")
		span.SetAttributes(
			attribute.Int("cache.watchers", e.Watchers),
			attribute.Int("cache.notified", e.Notified),
		)
		span.End()
	})
}
