package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/logging"
	"github.com/townhall-labs/townhall/session"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// EnableStreaming toggles real-time event streaming vs buffered.
	EnableStreaming bool
	// EventBufferSize sets channel buffering for events.
	EventBufferSize int
	// MaxModelCalls limits the number of model calls per run. Zero means
	// no limit.
	MaxModelCalls int
	// SessionStore persists conversation history and state.
	SessionStore core.SessionStore
	// App is an application-defined context object made available to every
	// agent, tool and hook participating in a run.
	App any
	// Logger receives runner diagnostics.
	Logger logging.Logger
}

// Runner coordinates agent execution: resolves the root agent, creates run
// contexts, streams events, applies side effects, and persists history.
// Public methods are safe for concurrent use.
type Runner struct {
	agent core.Agent

	enableStreaming bool
	eventBufferSize int
	maxModelCalls   int

	sessionStore core.SessionStore
	app          any
	logger       logging.Logger

	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
}

// New constructs a Runner with optional overrides.
func New(agent core.Agent, optFns ...func(o *Options)) *Runner {
	opts := Options{
		EnableStreaming: true,
		EventBufferSize: 100,
		MaxModelCalls:   100,
		SessionStore:    session.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Runner{
		agent:           agent,
		enableStreaming: opts.EnableStreaming,
		eventBufferSize: opts.EventBufferSize,
		maxModelCalls:   opts.MaxModelCalls,
		sessionStore:    opts.SessionStore,
		app:             opts.App,
		logger:          opts.Logger,
		activeRuns:      make(map[string]context.CancelFunc),
	}
}

// Run starts an asynchronous invocation. The user content is persisted
// before the agent sees it, so history reads inside the run include the
// triggering message. Both returned channels are closed when the run ends.
func (r *Runner) Run(
	ctx context.Context,
	sessionID string,
	userContent core.Content,
) (string, <-chan core.Event, <-chan error, error) {
	sess, err := r.sessionStore.Get(sessionID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	runID := core.NewID()

	userEvent := core.NewUserContentEvent(runID, &userContent)
	if err := r.sessionStore.AppendEvent(sessionID, userEvent); err != nil {
		return "", nil, nil, fmt.Errorf("failed to append user event: %w", err)
	}
	sess.AddEvent(userEvent)

	eventsCh := make(chan core.Event, r.eventBufferSize)
	errorsCh := make(chan error, 1)
	agentEmit := make(chan core.Event, r.eventBufferSize)
	resumeCh := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.activeRuns[runID] = cancel
	r.mu.Unlock()

	runCtx := core.NewRunContext(core.RunContextParams{
		Context:       ctx,
		SessionID:     sessionID,
		RunID:         runID,
		Agent:         core.AgentInfo{Name: r.agent.Name(), Type: "agent"},
		UserContent:   userContent,
		MaxModelCalls: r.maxModelCalls,
		Emit:          agentEmit,
		Resume:        resumeCh,
		Session:       sess,
		SessionStore:  r.sessionStore,
		App:           r.app,
		Logger:        r.logger,
	})

	go func() {
		defer func() {
			close(agentEmit)
			r.mu.Lock()
			delete(r.activeRuns, runID)
			r.mu.Unlock()
		}()

		if err := r.agent.Run(runCtx); err != nil {
			select {
			case <-runCtx.Done():
			case errorsCh <- fmt.Errorf("agent execution failed: %w", err):
			}
		}
	}()

	go func() {
		defer func() { close(eventsCh); close(errorsCh) }()

		r.processEvents(runCtx, sessionID, agentEmit, resumeCh, eventsCh, errorsCh)
	}()

	return runID, eventsCh, errorsCh, nil
}

// RunSync runs to completion and returns the persisted events of the run in
// order. It is a convenience for callers that do not need streaming.
func (r *Runner) RunSync(
	ctx context.Context,
	sessionID string,
	userContent core.Content,
) ([]core.Event, error) {
	_, events, errs, err := r.Run(ctx, sessionID, userContent)
	if err != nil {
		return nil, err
	}

	var collected []core.Event
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.IsPartial() {
				collected = append(collected, ev)
			}
		case runErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if runErr != nil {
				return collected, runErr
			}
		}
	}

	return collected, nil
}

// Cancel cancels a running run by ID.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	cancel, exists := r.activeRuns[runID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("run %s not found", runID)
	}

	cancel()

	return nil
}

// processEvents is the persistence pump: each emitted event has its actions
// applied and is appended to the session before being delivered to the
// caller, then the resume channel is signaled so the flow can produce the
// next event. Partial fragments are forwarded but never persisted.
func (r *Runner) processEvents(
	runCtx *core.RunContext,
	sessionID string,
	agentEmit <-chan core.Event,
	resumeCh chan<- struct{},
	eventsCh chan<- core.Event,
	errorsCh chan<- error,
) {
	for {
		select {
		case <-runCtx.Done():
			return
		case ev, ok := <-agentEmit:
			if !ok {
				return
			}
			if err := r.applyEventActions(sessionID, ev); err != nil {
				select {
				case <-runCtx.Done():
				case errorsCh <- fmt.Errorf("failed to process event actions: %w", err):
				}
				return
			}
			if !ev.IsPartial() {
				if err := r.sessionStore.AppendEvent(sessionID, ev); err != nil {
					select {
					case <-runCtx.Done():
					case errorsCh <- fmt.Errorf("failed to append event to session: %w", err):
					}
					return
				}
			}
			if r.enableStreaming || !ev.IsPartial() {
				select {
				case <-runCtx.Done():
					return
				case eventsCh <- ev:
					r.logger.Debug("runner delivered event", "event_id", ev.ID, "session_id", sessionID)
				}
			}
			if !ev.IsPartial() {
				select {
				case <-runCtx.Done():
					return
				case resumeCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (r *Runner) applyEventActions(sessionID string, ev core.Event) error {
	if len(ev.Actions.StateDelta) > 0 {
		if err := r.sessionStore.ApplyDelta(sessionID, ev.Actions.StateDelta); err != nil {
			return fmt.Errorf("failed to apply state delta: %w", err)
		}
	}

	if ev.IsHandoff() {
		r.logger.Debug("runner observed handoff", "target", *ev.Actions.Handoff, "session_id", sessionID)
	}

	if ev.Actions.Escalate != nil && *ev.Actions.Escalate {
		r.logger.Debug("runner observed escalation", "session_id", sessionID)
	}

	return nil
}
