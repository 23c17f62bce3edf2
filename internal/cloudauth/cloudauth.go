// Package cloudauth provides http.RoundTripper decorators that inject
// authentication headers for the hosted agent platform (static bearer
// tokens for dev/test, OAuth2 client credentials for deployments).
package cloudauth

import "net/http"

// StaticTokenTransport is an http.RoundTripper that injects a fixed bearer
// token on every outbound request. Intended for local development and tests.
type StaticTokenTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip clones the request and sets the Authorization header.
func (t *StaticTokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+t.Token)
	return t.base().RoundTrip(r2)
}

func (t *StaticTokenTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
