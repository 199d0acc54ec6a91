package core

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/townhall-labs/townhall/logging"
)

// RunContext encapsulates the mutable, per-run execution scope passed to an
// Agent's Run method. It aggregates:
//   - The ambient cancellation Context
//   - Identifiers (SessionID, RunID, Agent info)
//   - Input user Content
//   - Emission / resumption coordination channels
//   - The SessionStore for persistence concerns
//   - A working Session snapshot and pending StateDelta to commit
//   - The application context object (App) threaded through nested
//     agent and tool invocations
//   - Branch label for hierarchical flows
//
// State mutations performed via SetState accumulate in StateDelta until
// CommitStateDelta or EmitEvent applies them. Cloning produces an isolated
// delta buffer while keeping references to underlying services.
type RunContext struct {
	Context          context.Context
	SessionID, RunID string
	Agent            AgentInfo
	UserContent      Content
	Emit             chan<- Event
	Resume           <-chan struct{}
	SessionStore     SessionStore
	Limiter          *ModelLimiter
	Session          *Session
	Branch           string

	// StateDelta accumulates staged mutations. Parallel tool goroutines
	// write it concurrently, so all access goes through stateMu.
	stateMu    sync.Mutex
	StateDelta map[string]any

	// App is the application-defined context object shared by all agents
	// and tools participating in this run. May be nil.
	App any

	*loggerAdapter
}

// RunContextParams bundles the dependencies needed to construct a RunContext.
type RunContextParams struct {
	Context       context.Context
	SessionID     string
	RunID         string
	Agent         AgentInfo
	UserContent   Content
	MaxModelCalls int
	Emit          chan<- Event
	Resume        <-chan struct{}
	Session       *Session
	SessionStore  SessionStore
	App           any
	Logger        logging.Logger
}

// NewRunContext constructs a RunContext with empty state delta.
func NewRunContext(p RunContextParams) *RunContext {
	ctx := p.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &RunContext{
		Context:       ctx,
		SessionID:     p.SessionID,
		RunID:         p.RunID,
		Agent:         p.Agent,
		UserContent:   p.UserContent,
		Emit:          p.Emit,
		Resume:        p.Resume,
		Session:       p.Session,
		SessionStore:  p.SessionStore,
		Limiter:       NewModelLimiter(p.MaxModelCalls),
		StateDelta:    map[string]any{},
		App:           p.App,
		loggerAdapter: newLoggerAdapter(p.Logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// GetState returns a staged (delta) value if present, else the persisted session value.
func (rc *RunContext) GetState(k string) (any, bool) {
	rc.stateMu.Lock()
	v, ok := rc.StateDelta[k]
	rc.stateMu.Unlock()

	if ok {
		return v, true
	}

	if rc.Session != nil {
		return rc.Session.GetState(k)
	}

	return nil, false
}

// SetState stages a state mutation in the in-memory delta buffer.
func (rc *RunContext) SetState(k string, v any) {
	rc.stateMu.Lock()
	rc.StateDelta[k] = v
	rc.stateMu.Unlock()
}

// ApplyStateDelta merges all pairs from d into the staged StateDelta.
func (rc *RunContext) ApplyStateDelta(d map[string]any) {
	rc.stateMu.Lock()
	maps.Copy(rc.StateDelta, d)
	rc.stateMu.Unlock()
}

// RefreshSession reloads the session snapshot from the SessionStore.
func (rc *RunContext) RefreshSession() error {
	if rc.SessionStore == nil {
		return fmt.Errorf("session store not configured")
	}

	s, err := rc.SessionStore.Get(rc.SessionID)
	if err != nil {
		return err
	}

	rc.Session = s

	return nil
}

// CommitStateDelta persists the accumulated StateDelta then clears the buffer.
func (rc *RunContext) CommitStateDelta() error {
	delta := rc.takeStateDelta()
	if len(delta) == 0 {
		return nil
	}

	if rc.SessionStore == nil {
		rc.ApplyStateDelta(delta)
		return fmt.Errorf("session store not configured")
	}

	if err := rc.SessionStore.ApplyDelta(rc.SessionID, delta); err != nil {
		rc.ApplyStateDelta(delta)
		return err
	}

	return nil
}

// takeStateDelta atomically detaches and returns the staged delta, leaving a
// fresh empty buffer behind.
func (rc *RunContext) takeStateDelta() map[string]any {
	rc.stateMu.Lock()
	delta := rc.StateDelta
	rc.StateDelta = map[string]any{}
	rc.stateMu.Unlock()
	return delta
}

// GetSessionHistory returns all historical events for the session.
func (rc *RunContext) GetSessionHistory() []Event {
	if rc.Session == nil {
		return []Event{}
	}

	return rc.Session.GetEvents()
}

// GetAgentName returns the logical agent name for this run scope.
func (rc *RunContext) GetAgentName() string { return rc.Agent.Name }

// WithAgent clones the context rebinding it to another agent. Used when
// control hands off: the session, limiter and channels carry over while the
// author identity changes.
func (rc *RunContext) WithAgent(info AgentInfo) *RunContext {
	c := rc.Clone()
	c.Agent = info
	return c
}

// Clone returns a shallow copy with a deep-copied delta buffer.
func (rc *RunContext) Clone() *RunContext {
	c := &RunContext{
		Context:       rc.Context,
		SessionID:     rc.SessionID,
		RunID:         rc.RunID,
		Agent:         rc.Agent,
		UserContent:   rc.UserContent,
		Emit:          rc.Emit,
		Resume:        rc.Resume,
		SessionStore:  rc.SessionStore,
		Limiter:       rc.Limiter,
		Session:       rc.Session,
		StateDelta:    map[string]any{},
		Branch:        rc.Branch,
		App:           rc.App,
		loggerAdapter: rc.loggerAdapter,
	}

	rc.stateMu.Lock()
	maps.Copy(c.StateDelta, rc.StateDelta)
	rc.stateMu.Unlock()

	return c
}

// WithBranch clones the context and sets the Branch label.
func (rc *RunContext) WithBranch(b string) *RunContext {
	c := rc.Clone()
	c.Branch = b
	return c
}

// NewChildContext derives a context for a nested execution path with its own
// emit / resume channels (e.g. an agent exposed as a tool of another agent).
func (rc *RunContext) NewChildContext(emit chan<- Event, resume <-chan struct{}, branch string) *RunContext {
	finalBranch := rc.Branch
	if branch != "" {
		finalBranch = branch
	}

	return &RunContext{
		Context:       rc.Context,
		SessionID:     rc.SessionID,
		RunID:         rc.RunID,
		Agent:         rc.Agent,
		UserContent:   rc.UserContent,
		Emit:          emit,
		Resume:        resume,
		SessionStore:  rc.SessionStore,
		Limiter:       rc.Limiter,
		Session:       rc.Session,
		StateDelta:    map[string]any{}, // fresh buffer
		Branch:        finalBranch,
		App:           rc.App,
		loggerAdapter: rc.loggerAdapter,
	}
}

// EmitEvent merges pending StateDelta into the event and emits it.
func (rc *RunContext) EmitEvent(ev Event) error {
	delta := rc.takeStateDelta()
	if len(delta) > 0 {
		if ev.Actions.StateDelta == nil {
			ev.Actions.StateDelta = map[string]any{}
		}
		maps.Copy(ev.Actions.StateDelta, delta)
	}

	select {
	case <-rc.Context.Done():
		return rc.Context.Err()
	case rc.Emit <- ev:
	}

	return nil
}

// WaitForResume blocks until Resume signals or context cancellation. The
// runner signals resume after it has persisted a non-partial event, which
// keeps session history writes ordered with respect to the emitting flow.
func (rc *RunContext) WaitForResume() error {
	if rc.Resume == nil {
		return nil
	}

	select {
	case <-rc.Resume:
		return nil
	case <-rc.Context.Done():
		return rc.Context.Err()
	}
}
