package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/switchboard"

// Span attributes of call and turn spans.
const (
	AttrSessionID = attribute.Key("switchboard.session_id")
	AttrCallSID   = attribute.Key("telephony.call_sid")
	AttrStreamSID = attribute.Key("telephony.stream_sid")
	AttrTurn      = attribute.Key("switchboard.turn")
	AttrOutcome   = attribute.Key("switchboard.turn.outcome")
)

// Tracer returns the Switchboard tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts the span covering one phone call from stream start
// to hang-up. The span of the media request, if any, becomes its parent.
func StartCallSpan(ctx context.Context, sessionID, callSID, streamSID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrCallSID.String(callSID),
			AttrStreamSID.String(streamSID),
		),
	)
}

// StartTurnSpan starts the span of one assistant turn.
func StartTurnSpan(ctx context.Context, turn uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn", trace.WithAttributes(AttrTurn.Int64(int64(turn))))
}

// EndSpan ends span, marking it failed when err is not nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base with the trace_id and span_id of the span in ctx.
// Without a span, or with a nil base, it falls back to what is available.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
