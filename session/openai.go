package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/townhall-labs/townhall/core"
)

// OpenAIConversationStore mirrors session transcripts into the OpenAI
// Conversations API, which retains them server-side (subject to the
// provider's expiration policy). Each session maps to one hosted
// conversation; completed user and assistant turns are appended as
// conversation items.
//
// The hosted store only holds conversational content, so session state,
// orchestration actions, and event metadata live in a local mirror. The
// mirror is authoritative for reads within this process; the hosted copy
// provides vendor-side durability and inspection tooling.
type OpenAIConversationStore struct {
	apiKey  string
	baseURL string
	client  *http.Client

	mu            sync.Mutex
	local         *InMemoryStore
	conversations map[string]string // session id -> conversation id
}

// OpenAIConversationOptions configure the store.
type OpenAIConversationOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewOpenAIConversationStore creates a store that syncs sessions to the
// OpenAI Conversations API using the given API key.
func NewOpenAIConversationStore(apiKey string, optFns ...func(o *OpenAIConversationOptions)) (*OpenAIConversationStore, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	opts := OpenAIConversationOptions{
		BaseURL:    "https://api.openai.com/v1",
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &OpenAIConversationStore{
		apiKey:        apiKey,
		baseURL:       opts.BaseURL,
		client:        opts.HTTPClient,
		local:         NewInMemoryStore(),
		conversations: make(map[string]string),
	}, nil
}

type conversationResource struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type conversationItemMessage struct {
	Type    string                    `json:"type"`
	Role    string                    `json:"role"`
	Content []conversationItemContent `json:"content"`
}

type conversationItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Get returns the local mirror of a session, creating both the mirror and
// the hosted conversation lazily.
func (s *OpenAIConversationStore) Get(sessionID string) (*core.Session, error) {
	if err := s.ensureConversation(sessionID); err != nil {
		return nil, err
	}
	return s.local.Get(sessionID)
}

// Create provisions a hosted conversation and a fresh local mirror.
func (s *OpenAIConversationStore) Create(sessionID string) (*core.Session, error) {
	if err := s.ensureConversation(sessionID); err != nil {
		return nil, err
	}
	return s.local.Create(sessionID)
}

// List returns the ids of sessions known to this process.
func (s *OpenAIConversationStore) List() ([]string, error) {
	return s.local.List()
}

// Delete removes the hosted conversation and the local mirror.
func (s *OpenAIConversationStore) Delete(sessionID string) error {
	s.mu.Lock()
	convID, ok := s.conversations[sessionID]
	delete(s.conversations, sessionID)
	s.mu.Unlock()

	if ok {
		if err := s.request(http.MethodDelete, "/conversations/"+convID, nil, nil); err != nil {
			return fmt.Errorf("deleting hosted conversation: %w", err)
		}
	}
	return s.local.Delete(sessionID)
}

// AppendEvent records the event locally and mirrors conversational turns to
// the hosted conversation. Partial fragments and control events (which have
// no user or assistant text) stay local.
func (s *OpenAIConversationStore) AppendEvent(sessionID string, ev core.Event) error {
	if err := s.local.AppendEvent(sessionID, ev); err != nil {
		return err
	}
	if ev.IsPartial() || ev.Content == nil {
		return nil
	}

	role := ev.Content.Role
	text := ev.Text()
	if text == "" || (role != "user" && role != "assistant") {
		return nil
	}

	if err := s.ensureConversation(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	convID := s.conversations[sessionID]
	s.mu.Unlock()

	contentType := "input_text"
	if role == "assistant" {
		contentType = "output_text"
	}

	body := map[string]any{
		"items": []conversationItemMessage{{
			Type:    "message",
			Role:    role,
			Content: []conversationItemContent{{Type: contentType, Text: text}},
		}},
	}
	if err := s.request(http.MethodPost, "/conversations/"+convID+"/items", body, nil); err != nil {
		return fmt.Errorf("appending conversation item: %w", err)
	}
	return nil
}

// ApplyDelta merges a key/value delta into the local mirror. Hosted
// conversations carry no session state.
func (s *OpenAIConversationStore) ApplyDelta(sessionID string, delta map[string]any) error {
	return s.local.ApplyDelta(sessionID, delta)
}

// ConversationID returns the hosted conversation id for a session, if one
// has been provisioned.
func (s *OpenAIConversationStore) ConversationID(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.conversations[sessionID]
	return id, ok
}

func (s *OpenAIConversationStore) ensureConversation(sessionID string) error {
	s.mu.Lock()
	_, ok := s.conversations[sessionID]
	s.mu.Unlock()
	if ok {
		return nil
	}

	var resource conversationResource
	body := map[string]any{
		"metadata": map[string]string{"session_id": sessionID},
	}
	if err := s.request(http.MethodPost, "/conversations", body, &resource); err != nil {
		return fmt.Errorf("creating hosted conversation: %w", err)
	}

	s.mu.Lock()
	s.conversations[sessionID] = resource.ID
	s.mu.Unlock()
	return nil
}

// request performs one authenticated JSON round trip against the API.
func (s *OpenAIConversationStore) request(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling conversations api: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("conversations api status %d: %s", resp.StatusCode, string(payload))
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

var _ core.SessionStore = (*OpenAIConversationStore)(nil)
