package townhall

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "townhall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, "sqlite")
	require.NoError(t, err)
	return store
}

func TestStore_UnsupportedDialect(t *testing.T) {
	_, err := NewStore(nil, "sqlite")
	assert.Error(t, err)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "townhall.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db, "oracle")
	assert.Error(t, err)
}

func TestStore_SaveAndListIncidents(t *testing.T) {
	store := newSQLiteStore(t)

	in := Incident{
		IncidentType:     "lost_item",
		Description:      "Lost a blue backpack at the central station",
		DateOfOccurrence: "2026-08-30",
		Location:         "Central Station",
		PersonInvolved:   "resident",
		ReporterName:     "Alex",
		SeverityLevel:    2,
	}
	require.NoError(t, store.SaveIncident("sess-1", in))
	require.NoError(t, store.SaveIncident("sess-2", Incident{IncidentType: "noise", SeverityLevel: 1}))

	got, err := store.ListIncidents("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, in, got[0])

	all, err := store.ListIncidents("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_SaveAndListFeedback(t *testing.T) {
	store := newSQLiteStore(t)

	fb := Feedback{Topic: "parks", Summary: "More benches please", Sentiment: SentimentPositive}
	require.NoError(t, store.SaveFeedback("sess-1", fb))

	got, err := store.ListFeedback("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fb, got[0])

	none, err := store.ListFeedback("sess-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
