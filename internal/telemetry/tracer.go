// Package telemetry wraps the global OpenTelemetry tracer. Without an
// installed TracerProvider every span is a no-op, so callers can trace
// unconditionally.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans emitted by this module.
const TracerName = "github.com/any-hub/weight-hub"

// Attribute keys for artifact operations.
const (
	AttrKey       = "artifact.key"
	AttrPolicy    = "artifact.policy"
	AttrDecision  = "artifact.decision"
	AttrSize      = "artifact.size"
	AttrCacheHit  = "cache.hit"
	AttrFallback  = "cache.fallback"
	AttrSessionID = "loader.session_id"
	AttrRepo      = "repo.name"
)

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Key builds the artifact key attribute.
func Key(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Policy builds the policy attribute.
func Policy(policy string) attribute.KeyValue {
	return attribute.String(AttrPolicy, policy)
}

// Decision builds the planner decision attribute.
func Decision(decision string) attribute.KeyValue {
	return attribute.String(AttrDecision, decision)
}

// Size builds the artifact size attribute.
func Size(size int64) attribute.KeyValue {
	return attribute.Int64(AttrSize, size)
}

// CacheHit builds the cache hit attribute.
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}
