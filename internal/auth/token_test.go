package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guilherme-santos/dashcal"
	"github.com/guilherme-santos/dashcal/internal/sqlite"
)

func newManager(t *testing.T, store *sqlite.Storage, tokenURL string) *Manager {
	t.Helper()
	m := NewManager(newOAuthConfig(tokenURL), store)
	m.TokenURL = tokenURL
	return m
}

func saveTokenSet(t *testing.T, store *sqlite.Storage, id dashcal.WidgetID, expiresIn time.Duration) {
	t.Helper()
	require.NoError(t, store.SaveTokenSet(context.Background(), id, &dashcal.TokenSet{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(expiresIn),
	}))
}

func TestValidAccessTokenNotConnected(t *testing.T) {
	store := newStore(t)
	srv, hits := tokenEndpoint(t, http.StatusOK, tokenJSON)
	m := newManager(t, store, srv.URL)

	_, err := m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrNotConnected)
	assert.Equal(t, int32(0), hits.Load())
}

func TestValidAccessTokenFreshTokenNoNetwork(t *testing.T) {
	store := newStore(t)
	srv, hits := tokenEndpoint(t, http.StatusOK, tokenJSON)
	m := newManager(t, store, srv.URL)
	saveTokenSet(t, store, "w1", time.Hour)

	token, err := m.ValidAccessToken(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)
	assert.Equal(t, int32(0), hits.Load(), "a fresh token needs no provider call")
}

func TestValidAccessTokenRefreshesInsideSlack(t *testing.T) {
	store := newStore(t)
	srv, hits := tokenEndpoint(t, http.StatusOK, tokenJSON)
	m := newManager(t, store, srv.URL)
	// 60s left is inside the five minute slack.
	saveTokenSet(t, store, "w1", time.Minute)

	token, err := m.ValidAccessToken(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, int32(1), hits.Load())

	ts, err := store.TokenSet(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, "new-access", ts.AccessToken)
	assert.Equal(t, "new-refresh", ts.RefreshToken)
	assert.True(t, ts.ExpiresAt.After(time.Now().Add(30*time.Minute)), "expiry moved forward by expires_in")
}

func TestRefreshIsSingleFlight(t *testing.T) {
	store := newStore(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tokenJSON))
	}))
	t.Cleanup(srv.Close)

	m := newManager(t, store, srv.URL)
	saveTokenSet(t, store, "w1", time.Minute)

	const callers = 4
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.ValidAccessToken(context.Background(), "w1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access", tokens[i], "all callers share the one in-flight result")
	}
	assert.Equal(t, int32(1), hits.Load(), "concurrent callers must not issue their own refresh")
}

func TestRefreshRejectedDisconnects(t *testing.T) {
	store := newStore(t)
	srv, _ := tokenEndpoint(t, http.StatusUnauthorized, `{"error":"invalid_grant","error_description":"Token has been revoked."}`)
	m := newManager(t, store, srv.URL)
	saveTokenSet(t, store, "w1", -time.Minute)
	require.NoError(t, store.SaveSources(context.Background(), "w1", []dashcal.Source{{ID: "primary", Selected: true}}))

	var disconnected atomic.Int32
	m.SetOnDisconnect(func(id dashcal.WidgetID) {
		disconnected.Add(1)
		assert.Equal(t, dashcal.WidgetID("w1"), id)
	})

	_, err := m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrRefreshFailed)
	assert.Contains(t, err.Error(), "invalid_grant")
	assert.Equal(t, int32(1), disconnected.Load())

	ts, err := store.TokenSet(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, ts, "credentials are cleared after a rejected refresh")

	srcs, err := store.Sources(context.Background(), "w1")
	require.NoError(t, err)
	assert.Empty(t, srcs, "the cached source list is cleared too")

	// The widget is now simply disconnected: no further refresh
	// attempts are made on later calls.
	_, err = m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrNotConnected)
}

func TestRefreshUnreachableEndpointDisconnects(t *testing.T) {
	store := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens here anymore

	m := newManager(t, store, srv.URL)
	saveTokenSet(t, store, "w1", -time.Minute)

	_, err := m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrRefreshFailed)

	_, err = m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrNotConnected)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	store := newStore(t)
	srv, hits := tokenEndpoint(t, http.StatusOK, tokenJSON)
	m := newManager(t, store, srv.URL)
	require.NoError(t, store.SaveTokenSet(context.Background(), "w1", &dashcal.TokenSet{
		AccessToken: "stored-access",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))

	_, err := m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrNoRefreshToken)
	assert.Equal(t, int32(0), hits.Load())

	_, err = m.ValidAccessToken(context.Background(), "w1")
	require.ErrorIs(t, err, dashcal.ErrNotConnected)
}

func TestDisconnectRevokesBestEffort(t *testing.T) {
	store := newStore(t)

	var revoked atomic.Int32
	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		revoked.Add(1)
		assert.Equal(t, "stored-access", r.URL.Query().Get("token"))
	}))
	t.Cleanup(revokeSrv.Close)

	m := newManager(t, store, "http://unused")
	m.RevokeURL = revokeSrv.URL
	saveTokenSet(t, store, "w1", time.Hour)

	require.NoError(t, m.Disconnect(context.Background(), "w1"))
	assert.Equal(t, int32(1), revoked.Load())

	ts, err := store.TokenSet(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestDisconnectSucceedsWhenRevokeFails(t *testing.T) {
	store := newStore(t)

	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(revokeSrv.Close)

	m := newManager(t, store, "http://unused")
	m.RevokeURL = revokeSrv.URL
	saveTokenSet(t, store, "w1", time.Hour)

	require.NoError(t, m.Disconnect(context.Background(), "w1"), "local disconnection never depends on the provider")

	ts, err := store.TokenSet(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, ts)
}
