package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/townhall-labs/townhall/core"
)

// Part kinds used by the serialized event format. The polymorphic core.Part
// slice cannot round-trip through encoding/json directly, so every part is
// wrapped in a tagged record before persistence.
const (
	partKindText             = "text"
	partKindData             = "data"
	partKindFunctionCall     = "function_call"
	partKindFunctionResponse = "function_response"
)

type partRecord struct {
	Kind     string                 `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Data     map[string]any         `json:"data,omitempty"`
	Call     *core.FunctionCall     `json:"call,omitempty"`
	Response *core.FunctionResponse `json:"response,omitempty"`
	Metadata map[string]any         `json:"metadata,omitempty"`
}

type contentRecord struct {
	Role  string       `json:"role,omitempty"`
	Parts []partRecord `json:"parts"`
}

// eventRecord is the storable mirror of core.Event.
type eventRecord struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	Author       string            `json:"author"`
	Actions      core.EventActions `json:"actions"`
	Branch       *string           `json:"branch,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Content      *contentRecord    `json:"content,omitempty"`
	Partial      *bool             `json:"partial,omitempty"`
	TurnComplete *bool             `json:"turn_complete,omitempty"`
	ErrorCode    *string           `json:"error_code,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// sessionRecord is the storable mirror of core.Session.
type sessionRecord struct {
	ID       string            `json:"id"`
	State    map[string]any    `json:"state"`
	Events   []eventRecord     `json:"events"`
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func partToRecord(p core.Part) (partRecord, error) {
	switch part := p.(type) {
	case core.TextPart:
		return partRecord{Kind: partKindText, Text: part.Text, Metadata: part.Metadata}, nil
	case core.DataPart:
		return partRecord{Kind: partKindData, Data: part.Data, Metadata: part.Metadata}, nil
	case core.FunctionCallPart:
		call := part.FunctionCall
		return partRecord{Kind: partKindFunctionCall, Call: &call, Metadata: part.Metadata}, nil
	case core.FunctionResponsePart:
		resp := part.FunctionResponse
		return partRecord{Kind: partKindFunctionResponse, Response: &resp, Metadata: part.Metadata}, nil
	default:
		return partRecord{}, fmt.Errorf("unsupported part type %T", p)
	}
}

func recordToPart(r partRecord) (core.Part, error) {
	switch r.Kind {
	case partKindText:
		return core.TextPart{Text: r.Text, Metadata: r.Metadata}, nil
	case partKindData:
		return core.DataPart{Data: r.Data, Metadata: r.Metadata}, nil
	case partKindFunctionCall:
		if r.Call == nil {
			return nil, fmt.Errorf("function_call part missing call payload")
		}
		return core.FunctionCallPart{FunctionCall: *r.Call, Metadata: r.Metadata}, nil
	case partKindFunctionResponse:
		if r.Response == nil {
			return nil, fmt.Errorf("function_response part missing response payload")
		}
		return core.FunctionResponsePart{FunctionResponse: *r.Response, Metadata: r.Metadata}, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", r.Kind)
	}
}

func contentToRecord(c *core.Content) (*contentRecord, error) {
	if c == nil {
		return nil, nil
	}
	rec := &contentRecord{Role: c.Role, Parts: make([]partRecord, 0, len(c.Parts))}
	for _, p := range c.Parts {
		pr, err := partToRecord(p)
		if err != nil {
			return nil, err
		}
		rec.Parts = append(rec.Parts, pr)
	}
	return rec, nil
}

func recordToContent(rec *contentRecord) (*core.Content, error) {
	if rec == nil {
		return nil, nil
	}
	c := &core.Content{Role: rec.Role, Parts: make([]core.Part, 0, len(rec.Parts))}
	for _, pr := range rec.Parts {
		p, err := recordToPart(pr)
		if err != nil {
			return nil, err
		}
		c.Parts = append(c.Parts, p)
	}
	return c, nil
}

func eventToRecord(ev core.Event) (eventRecord, error) {
	content, err := contentToRecord(ev.Content)
	if err != nil {
		return eventRecord{}, err
	}
	return eventRecord{
		ID:           ev.ID,
		RunID:        ev.RunID,
		Author:       ev.Author,
		Actions:      ev.Actions,
		Branch:       ev.Branch,
		Timestamp:    ev.Timestamp,
		Content:      content,
		Partial:      ev.Partial,
		TurnComplete: ev.TurnComplete,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.ErrorMessage,
		Metadata:     ev.Metadata,
	}, nil
}

func recordToEvent(rec eventRecord) (core.Event, error) {
	content, err := recordToContent(rec.Content)
	if err != nil {
		return core.Event{}, err
	}
	return core.Event{
		ID:           rec.ID,
		RunID:        rec.RunID,
		Author:       rec.Author,
		Actions:      rec.Actions,
		Branch:       rec.Branch,
		Timestamp:    rec.Timestamp,
		Content:      content,
		Partial:      rec.Partial,
		TurnComplete: rec.TurnComplete,
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
		Metadata:     rec.Metadata,
	}, nil
}

// MarshalEvent serializes an event for storage.
func MarshalEvent(ev core.Event) ([]byte, error) {
	rec, err := eventToRecord(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// UnmarshalEvent reverses MarshalEvent.
func UnmarshalEvent(data []byte) (core.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.Event{}, err
	}
	return recordToEvent(rec)
}

// MarshalContent serializes event content for storage.
func MarshalContent(c *core.Content) ([]byte, error) {
	rec, err := contentToRecord(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// UnmarshalContent reverses MarshalContent.
func UnmarshalContent(data []byte) (*core.Content, error) {
	var rec contentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return recordToContent(&rec)
}

// MarshalSession serializes a full session including its event history.
func MarshalSession(s *core.Session) ([]byte, error) {
	events := s.GetEvents()
	rec := sessionRecord{
		ID:       s.ID,
		State:    s.StateSnapshot(),
		Events:   make([]eventRecord, 0, len(events)),
		Created:  s.Created,
		Updated:  s.Updated,
		Metadata: s.Metadata,
	}
	for _, ev := range events {
		er, err := eventToRecord(ev)
		if err != nil {
			return nil, err
		}
		rec.Events = append(rec.Events, er)
	}
	return json.Marshal(rec)
}

// UnmarshalSession reverses MarshalSession.
func UnmarshalSession(data []byte) (*core.Session, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	s := core.NewSession(rec.ID)
	s.Created = rec.Created
	s.Updated = rec.Updated
	if rec.Metadata != nil {
		s.Metadata = rec.Metadata
	}
	if rec.State != nil {
		s.ApplyStateDelta(rec.State)
	}
	for _, er := range rec.Events {
		ev, err := recordToEvent(er)
		if err != nil {
			return nil, err
		}
		s.AddEvent(ev)
	}
	s.Updated = rec.Updated

	return s, nil
}
