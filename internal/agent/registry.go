package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	km "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/circuitbreaker"
)

// Well-known agent names.
const (
	Orchestrator = "orchestrator"
	SQL          = "sql"
	Chart        = "chart"
	Search       = "search"
	Fabric       = "fabric"
)

// RunObserver receives per-agent run outcomes for instrumentation.
// Implemented by telemetry.Metrics.
type RunObserver interface {
	ObserveRun(agent string, seconds float64)
	ObserveRunError(agent, kind string)
}

// Agent is a named handle to a platform agent: its remote id, the shared
// client, and the breaker guarding its runs.
type Agent struct {
	Name    string
	ID      string
	client  *Client
	breaker *circuitbreaker.Breaker
	obs     RunObserver
	tools   Toolset
}

// BindTools attaches the function tool implementations invoked when this
// agent's runs pause on requires_action. Bind once during wiring, before
// the agent serves traffic.
func (a *Agent) BindTools(tools Toolset) {
	a.tools = tools
}

// RunAndWait executes a run against this agent with breaker protection.
func (a *Agent) RunAndWait(ctx context.Context, threadID string, trunc *Truncation) (*Run, error) {
	if !a.breaker.Allow() {
		a.observeError("unavailable")
		return nil, fmt.Errorf("agent %s unavailable: %w", a.Name, km.ErrAgentFailed)
	}
	start := time.Now()
	run, err := a.client.RunAndWait(ctx, threadID, a.ID, trunc)
	if err != nil {
		a.breaker.RecordError(circuitbreaker.ClassifyError(err))
		a.observeError(errorKind(err))
		return nil, err
	}
	a.breaker.RecordSuccess()
	a.observeRun(time.Since(start))
	return run, nil
}

// InvokeStream starts a streaming run against this agent with breaker
// protection. Stream outcome is recorded when the channel drains.
func (a *Agent) InvokeStream(ctx context.Context, threadID, query string, trunc *Truncation) (string, <-chan km.StreamDelta, error) {
	if !a.breaker.Allow() {
		a.observeError("unavailable")
		return threadID, nil, fmt.Errorf("agent %s unavailable: %w", a.Name, km.ErrAgentFailed)
	}
	start := time.Now()
	tid, upstream, err := a.client.InvokeStream(ctx, a.ID, threadID, query, trunc, a.tools)
	if err != nil {
		a.breaker.RecordError(circuitbreaker.ClassifyError(err))
		a.observeError(errorKind(err))
		return tid, nil, err
	}

	out := make(chan km.StreamDelta, 8)
	go a.relay(ctx, upstream, start, out)
	return tid, out, nil
}

// relay forwards upstream deltas so the terminal outcome feeds the breaker
// and the run observer. Sends are abandoned when ctx ends, so a consumer
// that stopped reading cannot strand the relay behind a full channel.
func (a *Agent) relay(ctx context.Context, upstream <-chan km.StreamDelta, start time.Time, out chan<- km.StreamDelta) {
	defer close(out)
	failed := false
	for d := range upstream {
		if d.Err != nil {
			failed = true
			a.breaker.RecordError(circuitbreaker.ClassifyError(d.Err))
			a.observeError(errorKind(d.Err))
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
	if !failed {
		a.breaker.RecordSuccess()
		a.observeRun(time.Since(start))
	}
}

func (a *Agent) observeRun(d time.Duration) {
	if a.obs != nil {
		a.obs.ObserveRun(a.Name, d.Seconds())
	}
}

func (a *Agent) observeError(kind string) {
	if a.obs != nil {
		a.obs.ObserveRunError(a.Name, kind)
	}
}

// errorKind buckets a run failure for the error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, km.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

// FirstAgentText reads the first assistant reply from the thread.
func (a *Agent) FirstAgentText(ctx context.Context, threadID string) (string, error) {
	return a.client.FirstAgentText(ctx, threadID)
}

// CreateThread creates a fresh remote thread via the shared client.
func (a *Agent) CreateThread(ctx context.Context) (*Thread, error) {
	return a.client.CreateThread(ctx)
}

// CreateMessage appends a message to a thread via the shared client.
func (a *Agent) CreateMessage(ctx context.Context, threadID, role, content string) error {
	return a.client.CreateMessage(ctx, threadID, role, content)
}

// DeleteThread removes a remote thread via the shared client.
func (a *Agent) DeleteThread(ctx context.Context, threadID string) error {
	return a.client.DeleteThread(ctx, threadID)
}

// Registry maps agent names to configured Agent handles.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	obs    RunObserver
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Observe sets the run observer copied into agents registered afterwards.
// Call before Register.
func (r *Registry) Observe(o RunObserver) {
	r.mu.Lock()
	r.obs = o
	r.mu.Unlock()
}

// Register adds an agent handle under name. Agents with an empty remote id
// are skipped: an unset id in config means the feature is disabled.
func (r *Registry) Register(name, id string, client *Client, breakers *circuitbreaker.Registry) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.agents[name] = &Agent{
		Name:    name,
		ID:      id,
		client:  client,
		breaker: breakers.GetOrCreate(name),
		obs:     r.obs,
	}
	r.mu.Unlock()
}

// Get returns the agent registered under name, or an error if the feature
// is not configured.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %q not configured: %w", name, km.ErrNotFound)
	}
	return a, nil
}

// List returns a sorted slice of all configured agent names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
