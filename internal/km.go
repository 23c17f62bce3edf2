// Package km defines domain types and interfaces for the Palantir
// knowledge-mining backend. This package has no project imports -- it is
// the dependency root.
package km

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Conversation history ---

// Conversation is a persisted chat conversation owned by a single user.
type Conversation struct {
	ID        string    `json:"conversation_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatMessage is a single message within a conversation.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"-"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Citations      string    `json:"citations,omitempty"`
	Feedback       string    `json:"feedback,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message roles stored in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Event is an application telemetry event recorded asynchronously
// (conversation created, feedback updated, stream errors, ...).
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// --- Agent streaming ---

// StreamDelta is a single increment of a streaming agent response.
// ThreadID carries the remote thread the delta belongs to, so callers can
// track the session. Err is non-nil on stream failure; the channel is
// closed after the final delta.
type StreamDelta struct {
	Content  string
	ThreadID string
	Err      error
}

// --- Identity ---

// Principal is the authenticated caller attached to request context.
// Populated from the hosting platform's injected identity headers.
type Principal struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	AuthMethod string `json:"auth_method"` // "header" or "fallback"
}

// Authenticator resolves the caller identity for a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the auth middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
