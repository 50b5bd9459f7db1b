package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/events"
	"github.com/takumi3488/gqlforge/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry tracing and attaches eventbus subscribers
// that turn engine events into spans. An empty endpoint disables telemetry.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	if service == "" {
		service = "gqlforge"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("gqlforge")}
	sub.register()

	return tp.Shutdown, nil
}

var timeNow = time.Now

type subscriber struct {
	tracer   trace.Tracer
	httpSpan sync.Map // rid -> trace.Span
	gqlSpan  sync.Map // rid -> trace.Span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
		s.httpSpan.Store(rid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.httpSpan.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.GraphQLStart) {
		rid, _ := reqid.FromContext(ctx)
		parent := ctx
		if v, ok := s.httpSpan.Load(rid); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "graphql.operation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.gqlSpan.Store(rid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.GraphQLFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.gqlSpan.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.error_count", e.ErrorCount))
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.UpstreamFinish) {
		rid, _ := reqid.FromContext(ctx)
		parent := ctx
		if v, ok := s.gqlSpan.Load(rid); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "upstream.call",
			trace.WithTimestamp(timeNow().Add(-e.Duration)))
		span.SetAttributes(
			attribute.String("upstream.endpoint", e.Endpoint),
			attribute.String("upstream.method", e.Method),
			attribute.Int("upstream.status", e.Status),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End(trace.WithTimestamp(timeNow()))
	})

	eventbus.Subscribe(func(ctx context.Context, e events.BatchFlush) {
		rid, _ := reqid.FromContext(ctx)
		if v, ok := s.gqlSpan.Load(rid); ok {
			v.(trace.Span).AddEvent("batch.flush", trace.WithAttributes(
				attribute.String("batch.group", e.Group),
				attribute.Int("batch.items", e.Items),
			))
		}
	})

	eventbus.Subscribe(func(ctx context.Context, e events.AuthDenied) {
		rid, _ := reqid.FromContext(ctx)
		if v, ok := s.gqlSpan.Load(rid); ok {
			v.(trace.Span).AddEvent("auth.denied", trace.WithAttributes(
				attribute.String("graphql.path", e.Path),
				attribute.String("auth.reason", e.Reason),
			))
		}
	})
}
