// Package app implements application-level services for the Palantir
// knowledge-mining backend.
package app

import (
	"context"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/agent"
)

// runnerAgent is the subset of the agent handle used by one-shot agent
// calls (chart, sql, title generation).
type runnerAgent interface {
	CreateThread(ctx context.Context) (*agent.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	CreateMessage(ctx context.Context, threadID, role, content string) error
	RunAndWait(ctx context.Context, threadID string, trunc *agent.Truncation) (*agent.Run, error)
	FirstAgentText(ctx context.Context, threadID string) (string, error)
}

// streamerAgent is the subset used by the streaming conversation path.
type streamerAgent interface {
	InvokeStream(ctx context.Context, threadID, query string, trunc *agent.Truncation) (string, <-chan km.StreamDelta, error)
}

// ask runs a one-shot prompt on a fresh thread and returns the agent's
// reply. The thread is deleted afterwards regardless of outcome: one-shot
// threads are never cached.
func ask(ctx context.Context, a runnerAgent, prompt string, trunc *agent.Truncation) (string, error) {
	th, err := a.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	defer a.DeleteThread(ctx, th.ID)

	if err := a.CreateMessage(ctx, th.ID, km.RoleUser, prompt); err != nil {
		return "", err
	}
	if _, err := a.RunAndWait(ctx, th.ID, trunc); err != nil {
		return "", err
	}
	return a.FirstAgentText(ctx, th.ID)
}
