// Package auth resolves caller identity from the hosting platform's
// injected EasyAuth headers.
package auth

import (
	"context"
	"net/http"

	km "github.com/eugener/palantir/internal"
)

// EasyAuth header names set by the platform's authentication proxy.
const (
	headerPrincipalID   = "X-Ms-Client-Principal-Id"
	headerPrincipalName = "X-Ms-Client-Principal-Name"
)

// Default identity used when no headers are present and no fallback is
// configured. Matches local development behavior of the hosting platform.
const (
	sampleUserID   = "00000000-0000-0000-0000-000000000000"
	sampleUserName = "dev@localhost"
)

// HeaderAuth authenticates requests from EasyAuth principal headers.
// When the headers are absent it either returns the configured fallback
// principal (local development) or rejects the request.
type HeaderAuth struct {
	fallback *km.Principal // nil: requests without headers are rejected
}

// NewHeaderAuth returns a HeaderAuth that rejects requests without
// principal headers.
func NewHeaderAuth() *HeaderAuth {
	return &HeaderAuth{}
}

// NewHeaderAuthWithFallback returns a HeaderAuth that resolves requests
// without principal headers to a development fallback principal. Empty
// userID selects the default sample user.
func NewHeaderAuthWithFallback(userID, name string) *HeaderAuth {
	if userID == "" {
		userID = sampleUserID
		name = sampleUserName
	}
	return &HeaderAuth{fallback: &km.Principal{
		UserID:     userID,
		Name:       name,
		AuthMethod: "fallback",
	}}
}

// Authenticate extracts the principal from request headers.
func (a *HeaderAuth) Authenticate(_ context.Context, r *http.Request) (*km.Principal, error) {
	id := r.Header.Get(headerPrincipalID)
	if id == "" {
		if a.fallback != nil {
			p := *a.fallback
			return &p, nil
		}
		return nil, km.ErrUnauthorized
	}
	return &km.Principal{
		UserID:     id,
		Name:       r.Header.Get(headerPrincipalName),
		AuthMethod: "header",
	}, nil
}
