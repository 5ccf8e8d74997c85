package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestCtxKey  struct{}
	userCtxKey     struct{}
	sessionCtxKey  struct{}
	documentCtxKey struct{}
)

// maxIDLen bounds caller-supplied values copied into every entry.
const maxIDLen = 128

// ContextFields returns the correlation fields stored in ctx: the active
// span, the HTTP request, the asking user and session, and the document
// being ingested.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	for _, f := range []struct {
		key   any
		field string
	}{
		{requestCtxKey{}, "request_id"},
		{userCtxKey{}, "user_id"},
		{sessionCtxKey{}, "session_id"},
		{documentCtxKey{}, "document"},
	} {
		if v, _ := ctx.Value(f.key).(string); v != "" {
			fields = append(fields, zap.String(f.field, v))
		}
	}
	return fields
}

func withValue(ctx context.Context, key any, v string) context.Context {
	if len(v) > maxIDLen {
		v = v[:maxIDLen]
	}
	return context.WithValue(ctx, key, v)
}

// WithRequestID tags ctx with the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestCtxKey{}, id)
}

// WithUserID tags ctx with the user asking a question.
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, userCtxKey{}, userID)
}

// WithSessionID tags ctx with the conversation session answering it.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, sessionCtxKey{}, sessionID)
}

// WithDocumentKey tags ctx with the document being ingested, as
// "folder/filename".
func WithDocumentKey(ctx context.Context, key string) context.Context {
	return withValue(ctx, documentCtxKey{}, key)
}
