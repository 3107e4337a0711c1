// Package auth owns the authorization flow and the token lifecycle
// for connected widgets.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/guilherme-santos/dashcal"
)

// Flow drives the authorization-code grant: it builds the consent URL,
// validates the callback and exchanges the code for a token set.
type Flow struct {
	cfg   *oauth2.Config
	store dashcal.CredentialStore

	// bootstrap runs after a successful exchange to fetch the initial
	// source list for the freshly connected widget.
	bootstrap func(ctx context.Context, id dashcal.WidgetID, accessToken string) error
}

func NewFlow(cfg *oauth2.Config, store dashcal.CredentialStore) *Flow {
	return &Flow{
		cfg:   cfg,
		store: store,
	}
}

// SetBootstrap registers the initial source fetch performed right
// after a widget connects.
func (f *Flow) SetBootstrap(fn func(ctx context.Context, id dashcal.WidgetID, accessToken string) error) {
	f.bootstrap = fn
}

// BeginAuthorization generates and persists a fresh state value and
// returns the provider URL the host must redirect the browser to.
// Control transfers to the provider's consent page from here.
func (f *Flow) BeginAuthorization(ctx context.Context, id dashcal.WidgetID) (string, error) {
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("auth: generating state: %w", err)
	}
	if err := f.store.SaveOAuthState(ctx, state); err != nil {
		return "", fmt.Errorf("auth: persisting state: %w", err)
	}

	url := f.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return url, nil
}

// HandleCallback validates the state parameter, exchanges the code and
// stores the resulting token set. The persisted state is consumed
// before the exchange, so a duplicate callback delivery is rejected
// with ErrCSRFMismatch instead of silently re-exchanging.
func (f *Flow) HandleCallback(ctx context.Context, id dashcal.WidgetID, code, receivedState string) error {
	stored, err := f.store.OAuthState(ctx)
	if err != nil {
		return fmt.Errorf("auth: reading state: %w", err)
	}
	if stored == "" || stored != receivedState {
		return dashcal.ErrCSRFMismatch
	}
	if err := f.store.DeleteOAuthState(ctx); err != nil {
		return fmt.Errorf("auth: consuming state: %w", err)
	}

	tok, err := f.cfg.Exchange(ctx, code)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			return fmt.Errorf("%w: %s", dashcal.ErrTokenExchange, rErr.Response.Status)
		}
		return fmt.Errorf("%w: %v", dashcal.ErrTokenExchange, err)
	}

	ts := &dashcal.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := f.store.SaveTokenSet(ctx, id, ts); err != nil {
		return fmt.Errorf("auth: persisting token set: %w", err)
	}

	if f.bootstrap != nil {
		// The widget is connected either way; sources are fetched
		// again on the next engine start if this fails.
		if err := f.bootstrap(ctx, id, tok.AccessToken); err != nil {
			slog.Warn("initial source fetch failed", "widget", id, "error", err)
		}
	}
	return nil
}

func newState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
