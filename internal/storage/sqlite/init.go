package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the transfers table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		file_name TEXT NOT NULL,
		direction TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		remote_id TEXT,
		completed_at DATETIME NOT NULL
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create transfers table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_transfers_file ON transfers (file_name, direction, completed_at)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create transfers index: %w", err)
	}

	return db, nil
}
