package sqlite

import (
	"time"

	"github.com/guilherme-santos/dashcal"
)

type tokenRow struct {
	WidgetID     string `db:"widget_id"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	ExpiresAtMs  int64  `db:"expires_at_ms"`
}

func (r tokenRow) Convert() *dashcal.TokenSet {
	return &dashcal.TokenSet{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    time.UnixMilli(r.ExpiresAtMs),
	}
}

func newTokenRow(id dashcal.WidgetID, ts *dashcal.TokenSet) tokenRow {
	return tokenRow{
		WidgetID:     id.String(),
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		ExpiresAtMs:  ts.ExpiresAt.UnixMilli(),
	}
}
