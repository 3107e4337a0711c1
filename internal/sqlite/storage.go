// Package sqlite is the credential store: everything the engine
// persists (token sets, the in-flight OAuth state, source selections
// and display preferences) lives here, keyed by widget identity.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/guilherme-santos/dashcal"
)

const DriverName = "sqlite3"

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sql.DB) *Storage {
	s := &Storage{
		db: sqlx.NewDb(db, DriverName),
	}
	err := s.RunMigrations()
	if err != nil {
		panic(fmt.Sprintf("sqlite: running migrations: %v", err))
	}
	return s
}

func (s Storage) TokenSet(ctx context.Context, id dashcal.WidgetID) (*dashcal.TokenSet, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `
		SELECT widget_id, access_token, refresh_token, expires_at_ms
		FROM tokens
		WHERE widget_id = ?
	`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Convert(), nil
}

func (s Storage) SaveTokenSet(ctx context.Context, id dashcal.WidgetID, ts *dashcal.TokenSet) error {
	row := newTokenRow(id, ts)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (widget_id, access_token, refresh_token, expires_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(widget_id) DO UPDATE
			SET access_token = ?, refresh_token = ?, expires_at_ms = ?;
	`, row.WidgetID, row.AccessToken, row.RefreshToken, row.ExpiresAtMs,
		row.AccessToken, row.RefreshToken, row.ExpiresAtMs)
	return err
}

func (s Storage) DeleteTokenSet(ctx context.Context, id dashcal.WidgetID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tokens WHERE widget_id = ?
	`, id.String())
	return err
}

func (s Storage) SaveOAuthState(ctx context.Context, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_state (id, state) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state = ?;
	`, state, state)
	return err
}

func (s Storage) OAuthState(ctx context.Context) (string, error) {
	var state string
	err := s.db.GetContext(ctx, &state, `
		SELECT state FROM oauth_state WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return state, err
}

func (s Storage) DeleteOAuthState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM oauth_state WHERE id = 1
	`)
	return err
}

func (s Storage) Sources(ctx context.Context, id dashcal.WidgetID) ([]dashcal.Source, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `
		SELECT sources FROM widgets WHERE widget_id = ?
	`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sources []dashcal.Source
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, fmt.Errorf("sqlite: decoding sources: %w", err)
	}
	return sources, nil
}

func (s Storage) SaveSources(ctx context.Context, id dashcal.WidgetID, sources []dashcal.Source) error {
	if sources == nil {
		sources = []dashcal.Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("sqlite: encoding sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO widgets (widget_id, sources) VALUES (?, ?)
		ON CONFLICT(widget_id) DO UPDATE SET sources = ?;
	`, id.String(), string(raw), string(raw))
	return err
}

func (s Storage) DeleteSources(ctx context.Context, id dashcal.WidgetID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE widgets SET sources = '[]' WHERE widget_id = ?
	`, id.String())
	return err
}

func (s Storage) Preferences(ctx context.Context, id dashcal.WidgetID) (*dashcal.Preferences, error) {
	var raw sql.NullString
	err := s.db.GetContext(ctx, &raw, `
		SELECT preferences FROM widgets WHERE widget_id = ?
	`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}

	var prefs dashcal.Preferences
	if err := json.Unmarshal([]byte(raw.String), &prefs); err != nil {
		return nil, fmt.Errorf("sqlite: decoding preferences: %w", err)
	}
	return &prefs, nil
}

func (s Storage) SavePreferences(ctx context.Context, id dashcal.WidgetID, prefs *dashcal.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("sqlite: encoding preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO widgets (widget_id, preferences) VALUES (?, ?)
		ON CONFLICT(widget_id) DO UPDATE SET preferences = ?;
	`, id.String(), string(raw), string(raw))
	return err
}

func (s Storage) Widgets(ctx context.Context) ([]dashcal.WidgetID, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT widget_id FROM widgets
		UNION
		SELECT widget_id FROM tokens
	`)
	if err != nil {
		return nil, err
	}

	res := make([]dashcal.WidgetID, len(ids))
	for i, id := range ids {
		res[i] = dashcal.WidgetID(id)
	}
	return res, nil
}

func (s Storage) DeleteWidget(ctx context.Context, id dashcal.WidgetID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE widget_id = ?`, id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM widgets WHERE widget_id = ?`, id.String()); err != nil {
		return err
	}
	return tx.Commit()
}
