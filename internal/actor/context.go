// Package actor carries the requester identity through a context.
package actor

import (
	"context"
	"os/user"
)

type contextKey struct{}

// WithActor returns a context that carries the requester identity (e.g.
// "cli:alice" or "janitor"). An empty id leaves ctx unchanged.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, actorID)
}

// Actor returns the actor ID from the context, or empty string if not set.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}

// Local identifies the user running the CLI as "cli:<username>".
func Local() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "cli"
	}
	return "cli:" + u.Username
}
