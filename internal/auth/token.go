package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/guilherme-santos/dashcal"
)

const (
	// expirySlack is how long before the recorded expiry a token is
	// already considered stale and refreshed.
	expirySlack = 5 * time.Minute

	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// Manager owns access/refresh token validity per widget. Refreshes
// are single-flight per widget: concurrent callers waiting on a stale
// token share the one in-flight provider call.
type Manager struct {
	store      dashcal.CredentialStore
	cfg        *oauth2.Config
	httpClient *http.Client
	group      singleflight.Group

	// TokenURL and RevokeURL default to Google's endpoints and are
	// overridden in tests.
	TokenURL  string
	RevokeURL string

	now func() time.Time

	// onDisconnect lets the engine drop cached state and stop the
	// widget's schedule when the identity is torn down here.
	onDisconnect func(id dashcal.WidgetID)
}

func NewManager(cfg *oauth2.Config, store dashcal.CredentialStore) *Manager {
	return &Manager{
		store:      store,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		TokenURL:   cfg.Endpoint.TokenURL,
		RevokeURL:  defaultRevokeURL,
		now:        time.Now,
	}
}

// SetOnDisconnect registers the engine hook invoked after an identity
// has been disconnected, whether explicitly or by a failed refresh.
func (m *Manager) SetOnDisconnect(fn func(id dashcal.WidgetID)) {
	m.onDisconnect = fn
}

// ValidAccessToken returns an access token guaranteed to outlive the
// expiry slack, refreshing first when necessary. A widget with no
// token set gets ErrNotConnected, which is a state and not a failure.
func (m *Manager) ValidAccessToken(ctx context.Context, id dashcal.WidgetID) (string, error) {
	ts, err := m.store.TokenSet(ctx, id)
	if err != nil {
		return "", fmt.Errorf("auth: loading token set: %w", err)
	}
	if ts == nil {
		return "", dashcal.ErrNotConnected
	}
	if m.now().Before(ts.ExpiresAt.Add(-expirySlack)) {
		return ts.AccessToken, nil
	}
	return m.Refresh(ctx, id)
}

// Refresh exchanges the stored refresh token for a new access token.
// Any provider failure disconnects the widget before returning
// ErrRefreshFailed: retrying a rejected refresh token never succeeds,
// so callers cascade into the disconnected state instead.
func (m *Manager) Refresh(ctx context.Context, id dashcal.WidgetID) (string, error) {
	v, err, _ := m.group.Do(id.String(), func() (interface{}, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, id dashcal.WidgetID) (string, error) {
	ts, err := m.store.TokenSet(ctx, id)
	if err != nil {
		return "", fmt.Errorf("auth: loading token set: %w", err)
	}
	if ts == nil {
		return "", dashcal.ErrNotConnected
	}
	// A caller that queued behind an in-flight refresh sees the fresh
	// token here without a second provider call of its own.
	if m.now().Before(ts.ExpiresAt.Add(-expirySlack)) {
		return ts.AccessToken, nil
	}
	if ts.RefreshToken == "" {
		// Terminal as well: without a refresh token the stale access
		// token can never be renewed.
		m.disconnectAfterRefreshFailure(ctx, id)
		return "", dashcal.ErrNoRefreshToken
	}

	form := url.Values{
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("auth: building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.disconnectAfterRefreshFailure(ctx, id)
		return "", fmt.Errorf("%w: %v", dashcal.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		reason := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			reason = errResp.Error
			if errResp.ErrorDescription != "" {
				reason += ": " + errResp.ErrorDescription
			}
		}
		m.disconnectAfterRefreshFailure(ctx, id)
		return "", fmt.Errorf("%w: %s", dashcal.ErrRefreshFailed, reason)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		m.disconnectAfterRefreshFailure(ctx, id)
		return "", fmt.Errorf("%w: decoding response: %v", dashcal.ErrRefreshFailed, err)
	}
	if tokenResp.AccessToken == "" || tokenResp.ExpiresIn <= 0 {
		m.disconnectAfterRefreshFailure(ctx, id)
		return "", fmt.Errorf("%w: response is missing required fields", dashcal.ErrRefreshFailed)
	}

	ts.AccessToken = tokenResp.AccessToken
	ts.ExpiresAt = m.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	if tokenResp.RefreshToken != "" {
		ts.RefreshToken = tokenResp.RefreshToken
	}
	if err := m.store.SaveTokenSet(ctx, id, ts); err != nil {
		return "", fmt.Errorf("auth: persisting refreshed token set: %w", err)
	}
	return ts.AccessToken, nil
}

// Disconnect revokes the access token best-effort and clears all
// persisted state for the widget. Local disconnection always succeeds
// even when the revoke call cannot reach the provider.
func (m *Manager) Disconnect(ctx context.Context, id dashcal.WidgetID) error {
	ts, err := m.store.TokenSet(ctx, id)
	if err != nil {
		return fmt.Errorf("auth: loading token set: %w", err)
	}
	if ts != nil && ts.AccessToken != "" {
		if err := m.revoke(ctx, ts.AccessToken); err != nil {
			slog.Warn("token revocation failed", "widget", id, "error", err)
		}
	}
	return m.clear(ctx, id)
}

func (m *Manager) disconnectAfterRefreshFailure(ctx context.Context, id dashcal.WidgetID) {
	// The provider already rejected our credentials; there is nothing
	// worth revoking. Clear local state so the widget lands in the
	// disconnected state and the user re-authorizes cleanly.
	if err := m.clear(ctx, id); err != nil {
		slog.Error("clearing credentials after failed refresh", "widget", id, "error", err)
	}
}

func (m *Manager) clear(ctx context.Context, id dashcal.WidgetID) error {
	if err := m.store.DeleteTokenSet(ctx, id); err != nil {
		return fmt.Errorf("auth: clearing token set: %w", err)
	}
	if err := m.store.DeleteSources(ctx, id); err != nil {
		return fmt.Errorf("auth: clearing sources: %w", err)
	}
	if m.onDisconnect != nil {
		m.onDisconnect(id)
	}
	return nil
}

func (m *Manager) revoke(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.RevokeURL+"?token="+url.QueryEscape(accessToken), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider answered %s", resp.Status)
	}
	return nil
}
