package auth

import (
	"context"
	"errors"
	"net/http"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated principal. The pipeline treats Subject as an
// opaque owner id; an empty Identity means anonymous submission.
type Identity struct {
	Subject string
	Email   string
}

func (i Identity) Anonymous() bool {
	return i.Subject == ""
}

// Authenticator resolves the request's principal. Implementations must return
// a zero Identity (not an error) when anonymous access is acceptable.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
