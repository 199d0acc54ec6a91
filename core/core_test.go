package core

import (
	"context"
)

type testLogger struct{}

func (l testLogger) Debug(string, ...interface{}) {}
func (l testLogger) Info(string, ...interface{})  {}
func (l testLogger) Warn(string, ...interface{})  {}
func (l testLogger) Error(string, ...interface{}) {}
func (l testLogger) Fatal(string, ...interface{}) {}

type mockSessionStore struct {
	applied map[string]map[string]interface{}
}

func (s *mockSessionStore) Get(id string) (*Session, error)    { return NewSession(id), nil }
func (s *mockSessionStore) Create(id string) (*Session, error) { return NewSession(id), nil }
func (s *mockSessionStore) List() ([]string, error)            { return nil, nil }
func (s *mockSessionStore) Delete(id string) error             { return nil }
func (s *mockSessionStore) AppendEvent(id string, ev Event) error {
	return nil
}
func (s *mockSessionStore) ApplyDelta(id string, delta map[string]interface{}) error {
	if s.applied == nil {
		s.applied = map[string]map[string]interface{}{}
	}
	cp := map[string]interface{}{}
	for k, v := range delta {
		cp[k] = v
	}
	s.applied[id] = cp
	return nil
}

func newRunContextForTest() (*RunContext, chan Event) {
	emit := make(chan Event, 5)
	return NewRunContext(RunContextParams{
		Context:      context.Background(),
		SessionID:    "sess-x",
		RunID:        "run-x",
		Agent:        AgentInfo{Name: "Agent1", Type: "test"},
		Emit:         emit,
		Session:      NewSession("sess-x"),
		SessionStore: &mockSessionStore{},
		Logger:       testLogger{},
	}), emit
}
