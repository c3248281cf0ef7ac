package activity

import "context"

type contextKey string

const (
	ctxActorType contextKey = "activity_actor_type"
	ctxActorID   contextKey = "activity_actor_id"
	ctxIPAddress contextKey = "activity_ip"
	ctxUserAgent contextKey = "activity_user_agent"
)

// Actor types.
const (
	ActorSystem = "system"
	ActorAdmin  = "admin"
	ActorCLI    = "cli"
)

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	return context.WithValue(ctx, ctxActorID, actorID)
}

// WithOrigin attaches the client address and user agent of the current request.
func WithOrigin(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ctxIPAddress, ip)
	return context.WithValue(ctx, ctxUserAgent, userAgent)
}

func originFromContext(ctx context.Context) (actorType, actorID, ip, userAgent string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	} else {
		actorType = ActorSystem
	}
	actorID, _ = ctx.Value(ctxActorID).(string)
	ip, _ = ctx.Value(ctxIPAddress).(string)
	userAgent, _ = ctx.Value(ctxUserAgent).(string)
	return
}
