// Package config loads the host configuration: listen address,
// database location, sync cadence and the Google OAuth client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/guilherme-santos/dashcal"
)

// Endpoints of Google's OAuth2 surface. The token URL also serves
// refresh_token grants.
const (
	GoogleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

const calendarReadonlyScope = "https://www.googleapis.com/auth/calendar.readonly"

type Google struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

type Config struct {
	Listen      string              `yaml:"listen"`
	Database    string              `yaml:"database"`
	SyncMinutes int                 `yaml:"sync_minutes"`
	Google      Google              `yaml:"google"`
	Defaults    dashcal.Preferences `yaml:"defaults"`
}

// DefaultPath is where the config file lives unless overridden.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "dashcal", "config.yaml")
}

func defaultDatabase() string {
	return filepath.Join(xdg.DataHome, "dashcal", "dashcal.db")
}

// Load reads the YAML config (missing file means defaults), overlays
// a .env file if present and lets GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET
// and DASHCAL_REDIRECT_URL override so the client secret can stay out
// of the config file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Listen:      ":8080",
		Database:    defaultDatabase(),
		SyncMinutes: 5,
		Defaults: dashcal.Preferences{
			FirstDay:   "monday",
			TimeFormat: "15:04",
		},
	}

	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("DASHCAL_REDIRECT_URL"); v != "" {
		cfg.Google.RedirectURL = v
	}
	if cfg.Google.RedirectURL == "" {
		cfg.Google.RedirectURL = "http://localhost:8080/oauth/callback"
	}
	if len(cfg.Google.Scopes) == 0 {
		cfg.Google.Scopes = []string{calendarReadonlyScope}
	}
	return cfg, nil
}

// SyncInterval is the widget re-fetch cadence.
func (c *Config) SyncInterval() time.Duration {
	if c.SyncMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SyncMinutes) * time.Minute
}

// OAuth builds the oauth2 client configuration for the provider.
func (c *Config) OAuth() (*oauth2.Config, error) {
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return nil, fmt.Errorf("config: google OAuth client is not configured, set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}
	return &oauth2.Config{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.Google.RedirectURL,
		Scopes:       c.Google.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  GoogleAuthURL,
			TokenURL: GoogleTokenURL,
		},
	}, nil
}
