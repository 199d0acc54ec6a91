package core

import (
	"errors"
	"testing"
)

func TestEvent_ConstructorsAndMethods(t *testing.T) {
	e := NewEvent("run-123", "authorA")
	if e.Author != "authorA" || e.RunID != "run-123" || e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("NewEvent did not initialize fields correctly: %+v", e)
	}

	msg := NewMessageEvent("agent1", "hello world")
	if msg.Content == nil || msg.Content.Role != "assistant" || len(msg.Content.Parts) != 1 {
		t.Fatalf("NewMessageEvent malformed: %+v", msg)
	}
	if msg.Text() != "hello world" {
		t.Fatalf("Text() = %q", msg.Text())
	}

	user := NewUserMessageEvent("run-123", "hi")
	if user.Content == nil || user.Content.Role != "user" || user.Author != "user" {
		t.Fatalf("NewUserMessageEvent malformed: %+v", user)
	}

	fCall := NewFunctionCallEvent("agent2", "do_stuff", `{"a":1}`)
	calls := fCall.GetFunctionCalls()
	if len(calls) != 1 || calls[0].Name != "do_stuff" || calls[0].Arguments != `{"a":1}` {
		t.Fatalf("GetFunctionCalls extraction failed: %+v", calls)
	}

	fRespOK := NewFunctionResponseEvent("agent2", "call-1", "do_stuff", 42, nil)
	resps := fRespOK.GetFunctionResponses()
	if len(resps) != 1 || resps[0].Response.(int) != 42 || resps[0].Error != "" {
		t.Fatalf("Function response success extraction failed: %+v", resps)
	}

	fRespErr := NewFunctionResponseEvent("agent2", "call-2", "do_stuff", nil, errors.New("boom"))
	resps = fRespErr.GetFunctionResponses()
	if resps[0].Error == "" {
		t.Fatalf("Expected error message in function response: %+v", resps[0])
	}

	errEv := NewErrorEvent("run-123", errors.New("kaput"))
	if errEv.ErrorMessage == nil || *errEv.ErrorMessage != "kaput" || errEv.Author != "system" {
		t.Fatalf("NewErrorEvent malformed: %+v", errEv)
	}
}

func TestEvent_IsFinalResponseLogic(t *testing.T) {
	e := NewEvent("run", "authorA")
	if !e.IsFinalResponse() {
		t.Error("Expected basic event to be final")
	}

	partial := true
	e2 := NewEvent("run", "agent")
	e2.Partial = &partial
	if e2.IsFinalResponse() {
		t.Error("Partial event should not be final")
	}

	e3 := NewFunctionCallEvent("agent", "f", "")
	if e3.IsFinalResponse() {
		t.Error("Event with function call should not be final")
	}

	e4 := NewFunctionResponseEvent("agent", "call-3", "f", "ok", nil)
	if e4.IsFinalResponse() {
		t.Error("Event with function response should not be final")
	}
}

func TestEvent_IsHandoff(t *testing.T) {
	e := NewEvent("run", "agent")
	if e.IsHandoff() {
		t.Error("Bare event should not be a handoff")
	}

	empty := ""
	e.Actions.Handoff = &empty
	if e.IsHandoff() {
		t.Error("Empty handoff target should not count")
	}

	target := "Triage"
	e.Actions.Handoff = &target
	if !e.IsHandoff() {
		t.Error("Expected handoff event")
	}
}
