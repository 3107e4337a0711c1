package sqlite

func (s Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	// A token row is the whole TokenSet: it is written and deleted as
	// one unit so no partial credential state can be observed.
	`CREATE TABLE IF NOT EXISTS tokens (
		widget_id VARCHAR NOT NULL PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL
	)`,
	// Single row: only one authorization attempt is in flight at a
	// time across the dashboard.
	`CREATE TABLE IF NOT EXISTS oauth_state (
		id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
		state VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS widgets (
		widget_id VARCHAR NOT NULL PRIMARY KEY,
		sources TEXT NOT NULL DEFAULT '[]',
		preferences TEXT NULL DEFAULT NULL
	)`,
}
