package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the transfer journal and the
// peers remembered from scans.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Transfer Journal
// ============================================================================

// RecordTransfer inserts a journal entry and sets its ID
func (s *Store) RecordTransfer(t *TransferRecord) error {
	const query = `
		INSERT INTO transfers (
			direction, filename, directory, size, client_time,
			outcome, remote, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.Exec(
		query,
		t.Direction, t.Filename, t.Directory, t.Size, nullTime(t.ClientTime),
		t.Outcome, t.Remote, t.Detail, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	t.ID = id
	return nil
}

// ListTransfers returns the most recent journal entries, newest first
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	query := `
		SELECT id, direction, filename, directory, size, client_time,
		       outcome, remote, detail, created_at
		FROM transfers ORDER BY created_at DESC, id DESC
	`

	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []TransferRecord
	for rows.Next() {
		var t TransferRecord
		var clientTime sql.NullTime
		err := rows.Scan(
			&t.ID, &t.Direction, &t.Filename, &t.Directory, &t.Size, &clientTime,
			&t.Outcome, &t.Remote, &t.Detail, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		if clientTime.Valid {
			t.ClientTime = clientTime.Time
		}
		transfers = append(transfers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}

	return transfers, nil
}

// ============================================================================
// Known Peers
// ============================================================================

// UpsertKnownPeer inserts or refreshes a peer keyed by address. Empty name,
// environment and directory values do not overwrite stored ones.
func (s *Store) UpsertKnownPeer(p *KnownPeer) error {
	const query = `
		INSERT INTO known_peers (
			ip, port, name, environment, directory, source, status, last_seen, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, port) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE known_peers.name END,
			environment = CASE WHEN excluded.environment != '' THEN excluded.environment ELSE known_peers.environment END,
			directory = CASE WHEN excluded.directory != '' THEN excluded.directory ELSE known_peers.directory END,
			source = excluded.source,
			status = excluded.status,
			last_seen = COALESCE(excluded.last_seen, known_peers.last_seen),
			updated_at = excluded.updated_at
	`

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		query,
		p.IP, p.Port, p.Name, p.Environment, p.Directory, p.Source, p.Status,
		nullTime(p.LastSeen), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert known peer %s:%d: %w", p.IP, p.Port, err)
	}
	return nil
}

// ListKnownPeers returns all remembered peers ordered by address
func (s *Store) ListKnownPeers() ([]KnownPeer, error) {
	const query = `
		SELECT ip, port, name, environment, directory, source, status, last_seen, updated_at
		FROM known_peers ORDER BY ip, port
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query known peers: %w", err)
	}
	defer rows.Close()

	var peers []KnownPeer
	for rows.Next() {
		var p KnownPeer
		var lastSeen sql.NullTime
		if err := rows.Scan(
			&p.IP, &p.Port, &p.Name, &p.Environment, &p.Directory,
			&p.Source, &p.Status, &lastSeen, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan known peer: %w", err)
		}
		if lastSeen.Valid {
			p.LastSeen = lastSeen.Time
		}
		peers = append(peers, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating known peers: %w", err)
	}

	return peers, nil
}

// DeleteKnownPeer forgets a peer
func (s *Store) DeleteKnownPeer(ip string, port int) error {
	result, err := s.db.Exec("DELETE FROM known_peers WHERE ip = ? AND port = ?", ip, port)
	if err != nil {
		return fmt.Errorf("failed to delete known peer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("known peer not found: %s:%d", ip, port)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
