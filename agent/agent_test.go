package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
	"github.com/townhall-labs/townhall/logging"
	"github.com/townhall-labs/townhall/session"
)

// stubAgent is a scriptable agent for composite tests.
type stubAgent struct {
	BaseAgent
	mu   sync.Mutex
	runs int
	fn   func(runCtx *core.RunContext) error
}

func newStubAgent(name string, fn func(runCtx *core.RunContext) error) *stubAgent {
	return &stubAgent{BaseAgent: NewBaseAgent(name), fn: fn}
}

func (s *stubAgent) Run(runCtx *core.RunContext) error {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(runCtx)
	}
	return nil
}

func (s *stubAgent) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func newAgentTestContext(t *testing.T, emit chan core.Event) *core.RunContext {
	t.Helper()

	store := session.NewInMemoryStore()
	sess, err := store.Create("sess")
	require.NoError(t, err)

	if emit == nil {
		emit = make(chan core.Event, 100)
	}

	return core.NewRunContext(core.RunContextParams{
		Context:      context.Background(),
		SessionID:    "sess",
		RunID:        "run",
		Agent:        core.AgentInfo{Name: "root", Type: "test"},
		Emit:         emit,
		Session:      sess,
		SessionStore: store,
		Logger:       logging.NoOpLogger{},
	})
}

func TestBaseAgent_SetSubAgentsAndFind(t *testing.T) {
	root := newStubAgent("root", nil)
	childA := newStubAgent("a", nil)
	childB := newStubAgent("b", nil)
	grandchild := newStubAgent("c", nil)

	require.NoError(t, childB.SetSubAgents(grandchild))
	require.NoError(t, root.SetSubAgents(childA, childB))

	assert.Len(t, root.SubAgents(), 2)
	assert.NotNil(t, childA.Parent())
	assert.Equal(t, "root", childA.Parent().Name())

	found := root.FindAgent("c")
	require.NotNil(t, found)
	assert.Equal(t, "c", found.Name())

	assert.Nil(t, root.FindAgent("missing"))
}

func TestBaseAgent_SetSubAgents_ReassignClearsOldParents(t *testing.T) {
	oldRoot := newStubAgent("old", nil)
	newRoot := newStubAgent("new", nil)
	child := newStubAgent("child", nil)

	require.NoError(t, oldRoot.SetSubAgents(child))
	assert.Equal(t, "old", child.Parent().Name())

	require.NoError(t, newRoot.SetSubAgents(child))
	assert.Equal(t, "new", child.Parent().Name())

	require.NoError(t, oldRoot.SetSubAgents())
	assert.Empty(t, oldRoot.SubAgents())
}

func TestSequentialAgent_RunOrder(t *testing.T) {
	var order []string
	first := newStubAgent("first", func(*core.RunContext) error {
		order = append(order, "first")
		return nil
	})
	second := newStubAgent("second", func(*core.RunContext) error {
		order = append(order, "second")
		return nil
	})

	seq := NewSequentialAgent("pipeline", first, second)
	runCtx := newAgentTestContext(t, nil)

	require.NoError(t, seq.Run(runCtx))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSequentialAgent_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	first := newStubAgent("first", func(*core.RunContext) error { return boom })
	second := newStubAgent("second", nil)

	seq := NewSequentialAgent("pipeline", first, second)
	runCtx := newAgentTestContext(t, nil)

	err := seq.Run(runCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, second.runCount())
}

func TestSequentialAgent_StatePropagation(t *testing.T) {
	producer := newStubAgent("producer", func(rc *core.RunContext) error {
		rc.Session.SetState("step", "one")
		return nil
	})
	consumer := newStubAgent("consumer", func(rc *core.RunContext) error {
		v, ok := rc.Session.GetState("step")
		if !ok || v != "one" {
			return errors.New("state not propagated")
		}
		return nil
	})

	seq := NewSequentialAgent("pipeline", producer, consumer)
	require.NoError(t, seq.Run(newAgentTestContext(t, nil)))
}

func TestParallelAgent_RunAll(t *testing.T) {
	a := newStubAgent("a", nil)
	b := newStubAgent("b", nil)
	c := newStubAgent("c", nil)

	par := NewParallelAgent("fanout", a, b, c)
	require.NoError(t, par.Run(newAgentTestContext(t, nil)))

	assert.Equal(t, 1, a.runCount())
	assert.Equal(t, 1, b.runCount())
	assert.Equal(t, 1, c.runCount())
}

func TestParallelAgent_BranchIsolation(t *testing.T) {
	var mu sync.Mutex
	branches := map[string]string{}

	record := func(name string) func(*core.RunContext) error {
		return func(rc *core.RunContext) error {
			mu.Lock()
			branches[name] = rc.Branch
			mu.Unlock()
			return nil
		}
	}

	a := newStubAgent("a", record("a"))
	b := newStubAgent("b", record("b"))

	par := NewParallelAgent("fanout", a, b)
	require.NoError(t, par.Run(newAgentTestContext(t, nil)))

	assert.Equal(t, "fanout.a", branches["a"])
	assert.Equal(t, "fanout.b", branches["b"])
	assert.NotEqual(t, branches["a"], branches["b"])
}

func TestParallelAgent_ErrorAggregation(t *testing.T) {
	boom := errors.New("boom")
	good := newStubAgent("good", nil)
	bad := newStubAgent("bad", func(*core.RunContext) error { return boom })

	par := NewParallelAgent("fanout", good, bad)
	err := par.Run(newAgentTestContext(t, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, good.runCount())
}

func TestParallelAgent_NoChildren(t *testing.T) {
	par := NewParallelAgent("empty")
	assert.NoError(t, par.Run(newAgentTestContext(t, nil)))
}

func TestBuildBranchPath(t *testing.T) {
	assert.Equal(t, "child", buildBranchPath("", "child"))
	assert.Equal(t, "parent", buildBranchPath("parent", ""))
	assert.Equal(t, "parent.child", buildBranchPath("parent", "child"))
}
