package server

import (
	"context"

	"github.com/cryptowin/cryptowin-go/internal/platform/auth"
)

// resolveActor determines who is performing an operation. A verified token
// actor on the context wins; request metadata may only narrow it, never
// escalate. Calls with neither are refused.
func resolveActor(ctx context.Context, meta *RequestMeta) (Actor, string) {
	ctxActor, hasCtx := auth.ActorFromContext(ctx)
	var metaActor *Actor
	if meta != nil {
		metaActor = meta.Actor
	}

	if hasCtx {
		resolved := Actor{ID: ctxActor.ID, Role: Role(ctxActor.Role)}
		if metaActor != nil && metaActor.ID != "" && metaActor.ID != resolved.ID {
			return Actor{}, "request actor does not match authenticated actor"
		}
		return resolved, ""
	}

	if metaActor == nil || metaActor.ID == "" {
		return Actor{}, "actor is required"
	}
	switch metaActor.Role {
	case RoleUser, RoleAdmin, RoleService:
		return *metaActor, ""
	default:
		return Actor{}, "unauthorized actor role"
	}
}
