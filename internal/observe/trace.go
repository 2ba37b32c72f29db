package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every consultscribe span.
const tracerName = "github.com/MrWong99/consultscribe"

// Span attribute keys shared by the transcript, replay and finalize paths.
const (
	SessionIDKey    = attribute.Key("consult.session_id")
	UtteranceIDKey  = attribute.Key("consult.utterance_id")
	SuggestionIDKey = attribute.Key("consult.suggestion_id")
	EntriesKey      = attribute.Key("consult.transcript.entries")
)

type sessionKey struct{}

// StartSpan starts a span on the global tracer provider. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts a span for an operation on one consultation
// session. The span carries [SessionIDKey] plus attrs, and the returned
// context makes [Logger] tag every line with session_id.
func StartSessionSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = WithSession(ctx, sessionID)
	return StartSpan(ctx, name, trace.WithAttributes(append([]attribute.KeyValue{SessionIDKey.String(sessionID)}, attrs...)...))
}

// WithSession returns ctx annotated with the session id for [Logger].
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID returns the session id stored by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Fail records err on span and marks the span failed. It returns err so
// call sites can write `return observe.Fail(span, err)`.
func Fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CorrelationID returns the trace id of the active span in ctx, or "".
// The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace and span ids of
// the active span and the session id from [WithSession], when present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	return l
}
