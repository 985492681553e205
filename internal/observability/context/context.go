package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	ownerIDKey   ctxKey = "owner_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
	entryKey     ctxKey = "entry_point"
)

const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithOwnerID(ctx stdcontext.Context, ownerID string) stdcontext.Context {
	return stdcontext.WithValue(ctx, ownerIDKey, strings.TrimSpace(ownerID))
}

func OwnerIDFromContext(ctx stdcontext.Context) string {
	return stringValue(ctx, ownerIDKey)
}

func WithActor(ctx stdcontext.Context, actorType, actorID string) stdcontext.Context {
	ctx = stdcontext.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return stdcontext.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx stdcontext.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

// WithEntryPoint tags the context with the reconciliation entry point
// (webhook, sync, sweep, admin, verify).
func WithEntryPoint(ctx stdcontext.Context, entryPoint string) stdcontext.Context {
	return stdcontext.WithValue(ctx, entryKey, strings.TrimSpace(entryPoint))
}

func EntryPointFromContext(ctx stdcontext.Context) string {
	return stringValue(ctx, entryKey)
}

func stringValue(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
