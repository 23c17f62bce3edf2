package testutil

import (
	"context"
	"net/http"

	km "github.com/eugener/palantir/internal"
)

// FakeAuth authenticates every request as a fixed principal. If
// AuthenticateFunc is set it delegates instead.
type FakeAuth struct {
	Principal        *km.Principal
	AuthenticateFunc func(ctx context.Context, r *http.Request) (*km.Principal, error)
}

// NewFakeAuth returns a FakeAuth resolving to a default test principal.
func NewFakeAuth() *FakeAuth {
	return &FakeAuth{Principal: &km.Principal{
		UserID:     "user-test",
		Name:       "Test User",
		AuthMethod: "header",
	}}
}

func (a *FakeAuth) Authenticate(ctx context.Context, r *http.Request) (*km.Principal, error) {
	if a.AuthenticateFunc != nil {
		return a.AuthenticateFunc(ctx, r)
	}
	return a.Principal, nil
}

// RejectAuth fails every authentication attempt.
type RejectAuth struct{}

func (RejectAuth) Authenticate(context.Context, *http.Request) (*km.Principal, error) {
	return nil, km.ErrUnauthorized
}
