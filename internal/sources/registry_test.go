package sources

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/guilherme-santos/dashcal"
	"github.com/guilherme-santos/dashcal/internal/sqlite"
)

func newStore(t *testing.T) *sqlite.Storage {
	t.Helper()
	db, err := sql.Open(sqlite.DriverName, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewStorage(db)
}

func calendarListServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListSourcesMapsAndSelectsPrimary(t *testing.T) {
	srv := calendarListServer(t, `{
		"items": [
			{"id": "work@example.com", "summary": "Work", "backgroundColor": "#f83a22"},
			{"id": "primary-cal", "summary": "Personal", "backgroundColor": "#9fc6e7", "primary": true},
			{"id": "shared", "summary": "Family", "backgroundColor": "#16a765", "selected": true}
		]
	}`)
	r := NewRegistry(newStore(t), option.WithEndpoint(srv.URL))

	srcs, err := r.ListSources(context.Background(), "access-token")
	require.NoError(t, err)
	require.Len(t, srcs, 3)

	assert.Equal(t, dashcal.Source{ID: "work@example.com", Name: "Work", Color: "#f83a22"}, srcs[0])
	assert.True(t, srcs[1].Primary)
	assert.True(t, srcs[1].Selected, "the primary calendar starts selected")
	assert.True(t, srcs[2].Selected, "provider-side selection is honored")
}

func TestListSourcesFallsBackToFirst(t *testing.T) {
	srv := calendarListServer(t, `{
		"items": [
			{"id": "a", "summary": "A"},
			{"id": "b", "summary": "B"}
		]
	}`)
	r := NewRegistry(newStore(t), option.WithEndpoint(srv.URL))

	srcs, err := r.ListSources(context.Background(), "access-token")
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.True(t, srcs[0].Selected, "without a primary the first source is auto-selected")
	assert.False(t, srcs[1].Selected)
}

func TestListSourcesEmpty(t *testing.T) {
	srv := calendarListServer(t, `{"items": []}`)
	r := NewRegistry(newStore(t), option.WithEndpoint(srv.URL))

	srcs, err := r.ListSources(context.Background(), "access-token")
	require.NoError(t, err)
	assert.Empty(t, srcs)
}

func TestBootstrapPersistsWholesale(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	srv := calendarListServer(t, `{"items": [{"id": "a", "summary": "A", "primary": true}]}`)
	r := NewRegistry(store, option.WithEndpoint(srv.URL))

	// A stale local list is replaced, not merged.
	require.NoError(t, store.SaveSources(ctx, "w1", []dashcal.Source{{ID: "gone"}, {ID: "also-gone"}}))

	require.NoError(t, r.Bootstrap(ctx, "w1", "access-token"))

	srcs, err := store.Sources(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "a", srcs[0].ID)
	assert.True(t, srcs[0].Selected)
}

func TestToggleSelection(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	r := NewRegistry(store)

	in := []dashcal.Source{
		{ID: "a", Selected: true},
		{ID: "b"},
	}
	require.NoError(t, store.SaveSources(ctx, "w1", in))

	srcs, err := r.ToggleSelection(ctx, "w1", 1)
	require.NoError(t, err)
	assert.True(t, srcs[1].Selected)

	persisted, err := store.Sources(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, srcs, persisted)
}

func TestToggleSelectionOutOfRangeIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	r := NewRegistry(store)

	in := []dashcal.Source{{ID: "a", Selected: true}}
	require.NoError(t, store.SaveSources(ctx, "w1", in))

	for _, index := range []int{-1, 1, 99} {
		srcs, err := r.ToggleSelection(ctx, "w1", index)
		require.NoError(t, err)
		assert.Equal(t, in, srcs, "index %d must leave the list unchanged", index)
	}

	persisted, err := store.Sources(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, in, persisted)
}

func TestToggleSelectionKeepsOneSelected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	r := NewRegistry(store)

	in := []dashcal.Source{
		{ID: "a", Primary: true},
		{ID: "b", Selected: true},
	}
	require.NoError(t, store.SaveSources(ctx, "w1", in))

	// Deselecting the last selected source snaps back to the primary.
	srcs, err := r.ToggleSelection(ctx, "w1", 1)
	require.NoError(t, err)
	assert.False(t, srcs[1].Selected)
	assert.True(t, srcs[0].Selected)
}
