package directory

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mossy-p/callrelay/internal/models"
)

const upsertIdentitySQL = `
	INSERT INTO identities (id, username, password_hash, display_name, avatar)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		password_hash = excluded.password_hash,
		display_name = excluded.display_name,
		avatar = excluded.avatar`

// Store is a SQLite-backed identity source. The directory reads it once at
// startup; changes made while the server runs are not picked up.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the identity database and ensures the schema.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("directory: open db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("directory: set busy_timeout: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS identities (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE CHECK(length(username) > 0),
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		avatar        TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL DEFAULT (datetime('now'))
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("directory: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ListIdentities returns all stored identities ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, display_name, avatar FROM identities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("directory: list identities: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		var ident models.Identity
		if err := rows.Scan(&ident.ID, &ident.Username, &ident.PasswordHash, &ident.DisplayName, &ident.Avatar); err != nil {
			return nil, fmt.Errorf("directory: scan identity: %w", err)
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// Import upserts every identity in one transaction.
func (s *Store) Import(ctx context.Context, identities []models.Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ident := range identities {
		if err := validateIdentity(ident); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertIdentitySQL,
			ident.ID, ident.Username, ident.PasswordHash, ident.DisplayName, ident.Avatar); err != nil {
			return fmt.Errorf("directory: import identity %q: %w", ident.ID, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored identities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("directory: count identities: %w", err)
	}
	return n, nil
}
