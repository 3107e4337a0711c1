package dashcal

import (
	"context"
	"time"
)

// WidgetID identifies one calendar widget instance on the dashboard.
// Every persisted key is namespaced by it, so two widgets never share
// or clobber each other's state.
type WidgetID string

func (id WidgetID) String() string {
	return string(id)
}

// TokenSet is the unit of authentication state for one widget. It is
// either fully present or fully absent in the store, never partial.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Source is one remote calendar the authorized account can read.
type Source struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Primary  bool   `json:"primary"`
	Selected bool   `json:"selected"`
}

// Event is the normalized, provider-agnostic shape consumed by
// rendering. It is recomputed on every sync cycle and never persisted.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	AllDay      bool      `json:"all_day"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	SourceColor string    `json:"source_color,omitempty"`
	DisplayTime string    `json:"display_time"`
}

// Preferences are the widget's display settings, persisted alongside
// the source selection and handed to the host on every update.
type Preferences struct {
	FirstDay   string `json:"first_day" yaml:"first_day"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// WidgetConfig is what the host's onUpdate callback receives whenever
// the selection or settings change.
type WidgetConfig struct {
	Sources     []Source    `json:"sources"`
	Preferences Preferences `json:"preferences"`
}

// Status is the connection state of one widget.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusAuthorizing  Status = "authorizing"
	StatusConnected    Status = "connected"
)

// SyncState is transient per-widget sync bookkeeping, held in memory
// and reset to zero on manual reconnect.
type SyncState struct {
	Loading       bool      `json:"loading"`
	LastError     string    `json:"last_error,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	RetryCount    int       `json:"retry_count"`
}

// CredentialStore is the only resource shared between components. All
// access is by widget-namespaced key; the single OAuth state value is
// the one exception, shared across the dashboard because only one
// authorization can be in flight at a time.
type CredentialStore interface {
	TokenSet(ctx context.Context, id WidgetID) (*TokenSet, error)
	SaveTokenSet(ctx context.Context, id WidgetID, ts *TokenSet) error
	DeleteTokenSet(ctx context.Context, id WidgetID) error

	SaveOAuthState(ctx context.Context, state string) error
	OAuthState(ctx context.Context) (string, error)
	DeleteOAuthState(ctx context.Context) error

	Sources(ctx context.Context, id WidgetID) ([]Source, error)
	SaveSources(ctx context.Context, id WidgetID, sources []Source) error
	DeleteSources(ctx context.Context, id WidgetID) error

	Preferences(ctx context.Context, id WidgetID) (*Preferences, error)
	SavePreferences(ctx context.Context, id WidgetID, prefs *Preferences) error

	Widgets(ctx context.Context) ([]WidgetID, error)
	DeleteWidget(ctx context.Context, id WidgetID) error
}
