package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/townhall-labs/townhall/core"
)

// ErrEscalated is returned when a child agent signals escalation.
var ErrEscalated = errors.New("child agent escalated")

// LoopAgent coordinates the repeated execution of a child agent.
//
// This agent type enables iterative workflows by executing a child agent
// multiple times with configurable termination conditions. The loop can
// be controlled by maximum iterations, custom predicates, interval timing,
// and error handling strategies. A child agent can also break the loop by
// emitting an event with the Escalate action set.
//
// LoopAgent is ideal for:
//   - Monitoring and polling scenarios
//   - Iterative refinement workflows
//   - Retry logic with custom conditions
//   - Workflows requiring convergence checking
type LoopAgent struct {
	BaseAgent
	child       core.Agent        // Child agent to execute repeatedly
	maxIters    int               // Maximum number of iterations allowed
	interval    time.Duration     // Time delay between iterations
	stopOnError bool              // Whether to stop execution on child agent errors
	predicate   func(string) bool // Custom termination condition based on output
}

// NewLoopAgent constructs a looping coordinator around a child agent.
// Defaults: 100 iterations, no interval, stop on first error.
func NewLoopAgent(name string, child core.Agent, opts ...LoopOption) *LoopAgent {
	la := &LoopAgent{
		BaseAgent:   NewBaseAgent(name),
		child:       child,
		maxIters:    100,
		interval:    0,
		stopOnError: true,
	}

	for _, o := range opts {
		o(la)
	}

	return la
}

// LoopOption defines a configuration function for customizing LoopAgent behavior.
type LoopOption func(*LoopAgent)

// WithMaxIters sets the maximum number of iterations for the loop.
//
// The loop will terminate after this many iterations even if other
// termination conditions are not met.
func WithMaxIters(n int) LoopOption {
	return func(l *LoopAgent) { l.maxIters = n }
}

// WithInterval sets the time delay between loop iterations.
//
// This is useful for rate limiting, polling scenarios, or giving external
// systems time to process between iterations. Set to 0 for no delay.
func WithInterval(d time.Duration) LoopOption {
	return func(l *LoopAgent) { l.interval = d }
}

// WithPredicate sets a custom termination condition based on output.
//
// The predicate function receives the final text output of each iteration
// and should return true to terminate the loop early.
//
// Example:
//
//	WithPredicate(func(output string) bool {
//	    return strings.Contains(output, "COMPLETE")
//	})
func WithPredicate(pred func(string) bool) LoopOption {
	return func(l *LoopAgent) { l.predicate = pred }
}

// WithStopOnError controls whether a child error aborts the loop.
func WithStopOnError(stop bool) LoopOption {
	return func(l *LoopAgent) { l.stopOnError = stop }
}

// Run implements core.Agent performing iterative execution with escalation
// detection. It returns early (nil error) on escalation events.
func (l *LoopAgent) Run(runCtx *core.RunContext) error {
	for i := 0; i < l.maxIters; i++ {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		default:
		}

		runCtx.LogDebug("loop.iteration.start", "agent", l.Name(), "iteration", i+1)

		output, childErr := l.runChildMonitored(runCtx)

		if errors.Is(childErr, ErrEscalated) {
			runCtx.LogInfo("loop.escalated", "agent", l.Name(), "iteration", i+1)
			return nil // Escalation is not an error, just early termination
		}

		if childErr != nil {
			if l.stopOnError {
				return fmt.Errorf("loop iteration %d failed for agent %s: %w", i+1, l.child.Name(), childErr)
			}
			runCtx.LogWarn("loop.iteration.failed", "agent", l.Name(), "iteration", i+1, "error", childErr.Error())
		}

		if l.predicate != nil && l.predicate(output) {
			runCtx.LogDebug("loop.predicate.satisfied", "agent", l.Name(), "iteration", i+1)
			return nil
		}

		if l.interval > 0 && i < l.maxIters-1 {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-time.After(l.interval):
			}
		}
	}

	runCtx.LogDebug("loop.complete", "agent", l.Name(), "iterations", l.maxIters)

	return nil
}

// runChildMonitored executes the child while intercepting emitted events to
// detect escalation flags and capture the final text output before forwarding
// to the parent context.
func (l *LoopAgent) runChildMonitored(runCtx *core.RunContext) (string, error) {
	interceptChan := make(chan core.Event, 10)
	resumeChan := make(chan struct{}, 10)
	childCtx := runCtx.NewChildContext(interceptChan, resumeChan, runCtx.Branch)
	childCtx.Agent = core.AgentInfo{Name: l.child.Name(), Type: "agent"}

	done := make(chan error, 1)

	go func() {
		defer close(done)
		done <- l.child.Run(childCtx)
	}()

	var lastText string

	for {
		select {
		case event := <-interceptChan:
			if event.Actions.Escalate != nil && *event.Actions.Escalate {
				if err := runCtx.EmitEvent(event); err != nil {
					return lastText, err
				}
				<-done
				return lastText, ErrEscalated
			}

			if event.IsFinalResponse() && event.Text() != "" {
				lastText = event.Text()
			}

			if err := runCtx.EmitEvent(event); err != nil {
				return lastText, err
			}

			// Acknowledge persistence on behalf of the child; the parent's
			// own resume handshake happened inside EmitEvent's consumer.
			if !event.IsPartial() {
				if err := runCtx.WaitForResume(); err != nil {
					return lastText, err
				}
				select {
				case resumeChan <- struct{}{}:
				case <-runCtx.Done():
					return lastText, runCtx.Err()
				}
			}

		case err := <-done:
			// Drain events the child buffered before exiting so a trailing
			// escalation or final response is not lost to select ordering.
			for {
				select {
				case event := <-interceptChan:
					if event.Actions.Escalate != nil && *event.Actions.Escalate {
						if emitErr := runCtx.EmitEvent(event); emitErr != nil {
							return lastText, emitErr
						}
						return lastText, ErrEscalated
					}
					if event.IsFinalResponse() && event.Text() != "" {
						lastText = event.Text()
					}
					if emitErr := runCtx.EmitEvent(event); emitErr != nil {
						return lastText, emitErr
					}
					if !event.IsPartial() {
						if waitErr := runCtx.WaitForResume(); waitErr != nil {
							return lastText, waitErr
						}
					}
				default:
					return lastText, err
				}
			}

		case <-runCtx.Done():
			return lastText, runCtx.Err()
		}
	}
}

// CreateEscalationEvent constructs an escalation signal event. Agents use
// this when they cannot complete their task and need a coordinating loop to
// stop iterating.
func CreateEscalationEvent(runID, author string, content *core.Content) core.Event {
	escalate := true
	ev := core.NewEvent(runID, author)
	ev.Actions.Escalate = &escalate
	ev.Content = content
	return ev
}
