// Package correlation carries the correlation id of one logical operation
// (an HTTP request or a consumed broker message) through context.Context.
//
// Each entry point must establish its own scope: HTTP middleware calls Set,
// broker handlers call Run before doing anything else, because the broker
// transport does not carry the caller's context.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// HeaderName is the HTTP header used to pass a correlation id in and out.
const HeaderName = "X-Correlation-ID"

// scope is stored by pointer so that an explicitly empty scope shadows any
// value set further up the context chain.
type scope struct {
	id string
}

// Set returns a child of ctx whose active correlation id is id.
func Set(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, &scope{id: id})
}

// Get returns the correlation id active in ctx, if any.
func Get(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(contextKey{}).(*scope)
	if !ok || s.id == "" {
		return "", false
	}
	return s.id, true
}

// Run executes fn in a fresh scope seeded with id. The caller's correlation id
// is never visible inside fn; an empty id leaves the new scope unset. The
// caller's own ctx is untouched, so its value is back in effect on every exit
// path, including a panic propagating out of fn.
func Run(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return fn(Set(ctx, id))
}

// New returns a freshly generated correlation id.
func New() string {
	return uuid.NewString()
}
