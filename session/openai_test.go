package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
)

// conversationsAPIStub emulates the subset of the Conversations API the
// store talks to.
type conversationsAPIStub struct {
	mu       sync.Mutex
	created  int
	items    []map[string]any
	deleted  []string
	authSeen string
}

func (s *conversationsAPIStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.created++
		s.authSeen = r.Header.Get("Authorization")
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "conv_123"})
	})
	mux.HandleFunc("POST /conversations/conv_123/items", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items []map[string]any `json:"items"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.items = append(s.items, body.Items...)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list"})
	})
	mux.HandleFunc("DELETE /conversations/conv_123", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.deleted = append(s.deleted, "conv_123")
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"deleted": true})
	})
	return mux
}

func newConversationStore(t *testing.T) (*OpenAIConversationStore, *conversationsAPIStub) {
	t.Helper()

	stub := &conversationsAPIStub{}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	store, err := NewOpenAIConversationStore("sk-test", func(o *OpenAIConversationOptions) {
		o.BaseURL = server.URL
		o.HTTPClient = server.Client()
	})
	require.NoError(t, err)

	return store, stub
}

func TestOpenAIConversationStore_RequiresKey(t *testing.T) {
	_, err := NewOpenAIConversationStore("")
	assert.Error(t, err)
}

func TestOpenAIConversationStore_ProvisionsConversation(t *testing.T) {
	store, stub := newConversationStore(t)

	_, err := store.Get("s1")
	require.NoError(t, err)

	convID, ok := store.ConversationID("s1")
	require.True(t, ok)
	assert.Equal(t, "conv_123", convID)
	assert.Equal(t, 1, stub.created)
	assert.Equal(t, "Bearer sk-test", stub.authSeen)

	// Further access reuses the provisioned conversation.
	_, err = store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.created)
}

func TestOpenAIConversationStore_MirrorsTurns(t *testing.T) {
	store, stub := newConversationStore(t)

	require.NoError(t, store.AppendEvent("s1", core.NewUserMessageEvent("run-1", "the streetlight is out")))
	require.NoError(t, store.AppendEvent("s1", core.NewMessageEvent("Dialogue", "Thanks, noted.")))

	// Control events and partials stay local.
	partial := true
	frag := core.NewMessageEvent("Dialogue", "Th")
	frag.Partial = &partial
	require.NoError(t, store.AppendEvent("s1", frag))
	require.NoError(t, store.AppendEvent("s1", core.NewFunctionCallEvent("Dialogue", "transfer_to_agent", "{}")))

	require.Len(t, stub.items, 2)
	assert.Equal(t, "user", stub.items[0]["role"])
	assert.Equal(t, "assistant", stub.items[1]["role"])

	// The local mirror keeps the full history including control events.
	sess, err := store.Get("s1")
	require.NoError(t, err)
	assert.Len(t, sess.GetEvents(), 4)
}

func TestOpenAIConversationStore_Delete(t *testing.T) {
	store, stub := newConversationStore(t)

	require.NoError(t, store.AppendEvent("s1", core.NewUserMessageEvent("run-1", "hi")))
	require.NoError(t, store.Delete("s1"))

	assert.Contains(t, stub.deleted, "conv_123")
	_, ok := store.ConversationID("s1")
	assert.False(t, ok)
}

func TestOpenAIConversationStore_StateStaysLocal(t *testing.T) {
	store, _ := newConversationStore(t)

	require.NoError(t, store.ApplyDelta("s1", map[string]any{"current_agent": "Triage"}))

	sess, err := store.Get("s1")
	require.NoError(t, err)
	v, ok := sess.GetState("current_agent")
	require.True(t, ok)
	assert.Equal(t, "Triage", v)
}
