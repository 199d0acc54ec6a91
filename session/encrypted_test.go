package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/townhall-labs/townhall/core"
)

func newEncryptedStore(t *testing.T) (*EncryptedStore, string, string) {
	t.Helper()

	private, recipient, err := GenerateIdentity()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(private, "AGE-SECRET-KEY-1"))
	require.True(t, strings.HasPrefix(recipient, "age1"))

	dir := t.TempDir()
	store, err := NewEncryptedStore(dir, private)
	require.NoError(t, err)

	return store, dir, private
}

func TestEncryptedStore_RoundTrip(t *testing.T) {
	store, dir, private := newEncryptedStore(t)

	require.NoError(t, store.AppendEvent("s1", core.NewUserMessageEvent("run-1", "my address is 12 Elm St")))
	require.NoError(t, store.ApplyDelta("s1", map[string]any{"current_agent": "Dialogue"}))

	// A second store over the same directory must decrypt from disk, not
	// serve from the first store's cache.
	reopened, err := NewEncryptedStore(dir, private)
	require.NoError(t, err)

	sess, err := reopened.Get("s1")
	require.NoError(t, err)
	require.Len(t, sess.GetEvents(), 1)
	assert.Equal(t, "my address is 12 Elm St", sess.GetEvents()[0].Text())

	v, ok := sess.GetState("current_agent")
	require.True(t, ok)
	assert.Equal(t, "Dialogue", v)
}

func TestEncryptedStore_CiphertextIsOpaque(t *testing.T) {
	store, dir, _ := newEncryptedStore(t)

	require.NoError(t, store.AppendEvent("s1", core.NewUserMessageEvent("run-1", "sensitive transcript")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sensitive transcript")
}

func TestEncryptedStore_WrongKeyFails(t *testing.T) {
	store, dir, _ := newEncryptedStore(t)
	require.NoError(t, store.AppendEvent("s1", core.NewUserMessageEvent("run-1", "hello")))

	otherKey, _, err := GenerateIdentity()
	require.NoError(t, err)

	intruder, err := NewEncryptedStore(dir, otherKey)
	require.NoError(t, err)

	_, err = intruder.Get("s1")
	assert.Error(t, err)
}

func TestEncryptedStore_ListAndDelete(t *testing.T) {
	store, _, _ := newEncryptedStore(t)

	require.NoError(t, store.AppendEvent("report/2026", core.NewUserMessageEvent("run-1", "hi")))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Contains(t, ids, "report/2026", "ids with path separators must round-trip")

	require.NoError(t, store.Delete("report/2026"))
	require.NoError(t, store.Delete("never-existed"))

	ids, err = store.List()
	require.NoError(t, err)
	assert.NotContains(t, ids, "report/2026")
}

func TestEncryptedStore_InvalidKey(t *testing.T) {
	_, err := NewEncryptedStore(t.TempDir(), "not-a-key")
	assert.Error(t, err)
}
