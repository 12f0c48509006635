// Package tenant carries the request-scoped caller identity through
// context.Context. Every service entrypoint reads it from the context it was
// handed; nothing is kept in goroutine or package state.
package tenant

import (
	"context"
	"strings"
)

type Context struct {
	TenantId      string
	ActorId       string
	Roles         []string
	CorrelationId string
}

func (c Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func With(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From returns the caller identity and whether one was attached.
func From(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}
