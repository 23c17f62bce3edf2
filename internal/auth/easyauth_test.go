package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	km "github.com/eugener/palantir/internal"
)

func TestHeaderAuth_FromHeaders(t *testing.T) {
	t.Parallel()

	a := NewHeaderAuth()
	r := httptest.NewRequest("GET", "/api/conversation", nil)
	r.Header.Set("X-Ms-Client-Principal-Id", "aad-user-42")
	r.Header.Set("X-Ms-Client-Principal-Name", "agent@contoso.com")

	p, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != "aad-user-42" || p.Name != "agent@contoso.com" {
		t.Fatalf("principal = %+v", p)
	}
	if p.AuthMethod != "header" {
		t.Fatalf("auth method = %q", p.AuthMethod)
	}
}

func TestHeaderAuth_MissingHeadersRejected(t *testing.T) {
	t.Parallel()

	a := NewHeaderAuth()
	r := httptest.NewRequest("GET", "/api/conversation", nil)

	if _, err := a.Authenticate(context.Background(), r); !errors.Is(err, km.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestHeaderAuth_Fallback(t *testing.T) {
	t.Parallel()

	a := NewHeaderAuthWithFallback("local-dev", "Local Dev")
	r := httptest.NewRequest("GET", "/api/conversation", nil)

	p, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != "local-dev" || p.AuthMethod != "fallback" {
		t.Fatalf("principal = %+v", p)
	}

	// Headers still win over the fallback.
	r.Header.Set("X-Ms-Client-Principal-Id", "real-user")
	p, err = a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate with headers: %v", err)
	}
	if p.UserID != "real-user" || p.AuthMethod != "header" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestHeaderAuth_DefaultSampleUser(t *testing.T) {
	t.Parallel()

	a := NewHeaderAuthWithFallback("", "")
	r := httptest.NewRequest("GET", "/api/conversation", nil)

	p, err := a.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UserID != "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("user id = %q", p.UserID)
	}
}
