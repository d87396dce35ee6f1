// Package prefs persists each user's selected model. The pending photo
// buffer and status messages are deliberately in-memory only; the model
// choice is the single piece of state that survives a restart.
package prefs

import (
	"database/sql"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store reads and writes the selected model per user key
// (e.g. "telegram:123"). An empty model id means no selection yet.
type Store interface {
	SelectedModel(userKey string) (string, error)
	SetSelectedModel(userKey, modelID string) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS user_settings (
    user_key TEXT PRIMARY KEY,
    selected_model TEXT NOT NULL
);
`

type sqliteStore struct {
	db *sql.DB
}

func Open(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) SelectedModel(userKey string) (string, error) {
	var model string
	err := s.db.QueryRow(
		"SELECT selected_model FROM user_settings WHERE user_key = ?", userKey,
	).Scan(&model)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return model, nil
}

func (s *sqliteStore) SetSelectedModel(userKey, modelID string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_settings (user_key, selected_model)
		VALUES (?, ?)
		ON CONFLICT(user_key) DO UPDATE SET selected_model = excluded.selected_model`,
		userKey, modelID)

	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
