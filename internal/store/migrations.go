package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE transfers (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					direction TEXT NOT NULL,
					filename TEXT NOT NULL,
					directory TEXT NOT NULL DEFAULT '',
					size INTEGER DEFAULT 0,
					client_time DATETIME,
					outcome TEXT NOT NULL,
					remote TEXT NOT NULL DEFAULT '',
					detail TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				);

				CREATE INDEX idx_transfers_created_at ON transfers(created_at);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE known_peers (
					ip TEXT NOT NULL,
					port INTEGER NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					environment TEXT NOT NULL DEFAULT '',
					directory TEXT NOT NULL DEFAULT '',
					source TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT '',
					last_seen DATETIME,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (ip, port)
				);
			`,
		},
	}

	// Run pending migrations
	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
