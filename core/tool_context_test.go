package core

import "testing"

func TestToolContext_StateAndActions(t *testing.T) {
	rc, _ := newRunContextForTest()
	tc := NewToolContext(rc, "fc-1")

	if tc.FunctionCallID() != "fc-1" {
		t.Errorf("FunctionCallID = %q", tc.FunctionCallID())
	}
	if tc.AgentName() != "Agent1" {
		t.Errorf("AgentName = %q", tc.AgentName())
	}
	if tc.SessionID() != "sess-x" || tc.RunID() != "run-x" {
		t.Errorf("identifiers not forwarded: %s/%s", tc.SessionID(), tc.RunID())
	}

	tc.SetState("k", "v")
	if v, ok := rc.GetState("k"); !ok || v != "v" {
		t.Error("SetState should be visible on the run context")
	}
	if tc.Actions().StateDelta["k"] != "v" {
		t.Error("SetState should stage an event delta")
	}
}

func TestToolContext_HandoffAndEscalate(t *testing.T) {
	rc, _ := newRunContextForTest()
	tc := NewToolContext(rc, "fc-2")

	tc.Handoff("Triage")
	tc.Escalate()

	ev := NewFunctionResponseEvent("Agent1", "fc-2", "transfer_to_agent", "ok", nil)
	tc.InternalApplyActions(&ev)

	if ev.Actions.Handoff == nil || *ev.Actions.Handoff != "Triage" {
		t.Fatalf("handoff not applied: %+v", ev.Actions)
	}
	if ev.Actions.Escalate == nil || !*ev.Actions.Escalate {
		t.Fatalf("escalate not applied: %+v", ev.Actions)
	}
	if !ev.IsHandoff() {
		t.Error("expected IsHandoff after applying actions")
	}
}

func TestToolContext_InternalApplyActionsMergesDelta(t *testing.T) {
	rc, _ := newRunContextForTest()
	tc := NewToolContext(rc, "fc-3")

	tc.SetState("a", 1)
	tc.SetState("b", 2)

	ev := NewFunctionResponseEvent("Agent1", "fc-3", "tool", "ok", nil)
	ev.Actions.StateDelta = map[string]any{"pre": true}
	tc.InternalApplyActions(&ev)

	if ev.Actions.StateDelta["a"] != 1 || ev.Actions.StateDelta["b"] != 2 {
		t.Fatalf("delta not merged: %+v", ev.Actions.StateDelta)
	}
	if ev.Actions.StateDelta["pre"] != true {
		t.Error("existing delta keys should survive the merge")
	}
}
