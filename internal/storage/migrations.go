package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all SQLite migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY,
    name TEXT,
    email TEXT UNIQUE,
    password_hash TEXT,
    location TEXT,
    age INTEGER,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS books (
    isbn TEXT PRIMARY KEY,
    title TEXT,
    author TEXT,
    year INTEGER,
    publisher TEXT,
    embedding BLOB,
    embedded_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);
CREATE INDEX IF NOT EXISTS idx_books_pending ON books(isbn) WHERE embedding IS NULL;

CREATE TABLE IF NOT EXISTS ratings (
    user_id INTEGER NOT NULL,
    isbn TEXT NOT NULL,
    score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 10),
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, isbn),
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
    FOREIGN KEY (isbn) REFERENCES books(isbn) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_ratings_isbn ON ratings(isbn);
`

const migrationV1Down = `
DROP TABLE IF EXISTS ratings;
DROP TABLE IF EXISTS books;
DROP TABLE IF EXISTS users;
DROP TABLE IF EXISTS schema_version;
`

// Author and publisher lookups are case-insensitive.
const migrationV11Up = `
CREATE INDEX IF NOT EXISTS idx_books_author ON books(author COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_books_publisher ON books(publisher COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_users_pending ON users(id) WHERE email IS NULL;
`

const migrationV11Down = `
DROP INDEX IF EXISTS idx_users_pending;
DROP INDEX IF EXISTS idx_books_publisher;
DROP INDEX IF EXISTS idx_books_author;
`

// migrationTarget abstracts the backend a migration list is applied to
type migrationTarget interface {
	// currentVersion returns "" when no migration has been recorded
	currentVersion(ctx context.Context) (string, error)
	apply(ctx context.Context, m Migration) error
}

// runMigrations applies every migration newer than the target's version, in order
func runMigrations(ctx context.Context, target migrationTarget, migrations []Migration) error {
	currentStr, err := target.currentVersion(ctx)
	if err != nil {
		return err
	}
	if currentStr == "" {
		currentStr = "0.0.0"
	}
	current, err := semver.NewVersion(currentStr)
	if err != nil {
		return fmt.Errorf("invalid current schema version %s: %w", currentStr, err)
	}

	for _, migration := range migrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}
		if !current.LessThan(migrationVersion) {
			continue // Already applied
		}
		if err := target.apply(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		current = migrationVersion
	}
	return nil
}

type sqliteMigrator struct {
	db *sql.DB
}

func (m sqliteMigrator) currentVersion(ctx context.Context) (string, error) {
	var tableName string
	err := m.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check schema_version table: %w", err)
	}
	return latestRecordedVersion(ctx, m.db)
}

func (m sqliteMigrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// latestRecordedVersion returns the highest version in schema_version
func latestRecordedVersion(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return "", fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return "", err
		}
		versions = append(versions, s)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return maxVersion(versions)
}

// maxVersion returns the greatest semantic version in versions, or "" if empty
func maxVersion(versions []string) (string, error) {
	var latest *semver.Version
	for _, s := range versions {
		v, err := semver.NewVersion(s)
		if err != nil {
			return "", fmt.Errorf("invalid recorded schema version %s: %w", s, err)
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.Original(), nil
}

// ApplyMigrations brings a SQLite database up to CurrentSchemaVersion
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	return runMigrations(ctx, sqliteMigrator{db: db}, AllMigrations)
}

// SchemaVersion returns the most recently applied SQLite migration
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	return sqliteMigrator{db: db}.currentVersion(ctx)
}

// RollbackMigration rolls back the most recent SQLite migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if currentVersion == "" {
		return errors.New("no migrations to rollback")
	}

	var migration *Migration
	for i := range AllMigrations {
		if AllMigrations[i].Version == currentVersion {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", currentVersion)
	}

	// The first migration drops schema_version itself.
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", currentVersion); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", currentVersion, err)
	}
	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", currentVersion, err)
	}
	return nil
}
