package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMigrations returns the PostgreSQL migrations for a vector column of
// the given width. The width is fixed once 1.0.0 is applied.
func PostgresMigrations(dimension int) []Migration {
	return []Migration{
		{
			Version: "1.0.0",
			Up:      fmt.Sprintf(pgMigrationV1Up, dimension),
			Down:    pgMigrationV1Down,
		},
		{
			Version: "1.1.0",
			Up:      pgMigrationV11Up,
			Down:    pgMigrationV11Down,
		},
	}
}

const pgMigrationV1Up = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id BIGINT PRIMARY KEY,
    name TEXT,
    email TEXT UNIQUE,
    password_hash TEXT,
    location TEXT,
    age INTEGER,
    created_at TIMESTAMPTZ DEFAULT now()
);

CREATE TABLE IF NOT EXISTS books (
    isbn TEXT PRIMARY KEY,
    title TEXT,
    author TEXT,
    year INTEGER,
    publisher TEXT,
    embedding vector(%d),
    embedded_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);
CREATE INDEX IF NOT EXISTS idx_books_pending ON books(isbn) WHERE embedding IS NULL;

CREATE TABLE IF NOT EXISTS ratings (
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    isbn TEXT NOT NULL REFERENCES books(isbn) ON DELETE CASCADE,
    score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 10),
    updated_at TIMESTAMPTZ DEFAULT now(),
    PRIMARY KEY (user_id, isbn)
);

CREATE INDEX IF NOT EXISTS idx_ratings_isbn ON ratings(isbn);
`

const pgMigrationV1Down = `
DROP TABLE IF EXISTS ratings;
DROP TABLE IF EXISTS books;
DROP TABLE IF EXISTS users;
DROP TABLE IF EXISTS schema_version;
`

const pgMigrationV11Up = `
CREATE INDEX IF NOT EXISTS idx_books_author_lower ON books (lower(author));
CREATE INDEX IF NOT EXISTS idx_books_publisher_lower ON books (lower(publisher));
CREATE INDEX IF NOT EXISTS idx_users_pending ON users(id) WHERE email IS NULL;
`

const pgMigrationV11Down = `
DROP INDEX IF EXISTS idx_users_pending;
DROP INDEX IF EXISTS idx_books_publisher_lower;
DROP INDEX IF EXISTS idx_books_author_lower;
`

type postgresMigrator struct {
	pool *pgxpool.Pool
}

func (m postgresMigrator) currentVersion(ctx context.Context) (string, error) {
	var exists bool
	err := m.pool.QueryRow(ctx, "SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if !exists {
		return "", nil
	}

	rows, err := m.pool.Query(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return "", fmt.Errorf("failed to read schema_version: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", err
	}
	return maxVersion(versions)
}

func (m postgresMigrator) apply(ctx context.Context, migration Migration) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		// No arguments, so pgx uses the simple protocol and accepts multiple statements.
		if _, err := tx.Exec(ctx, migration.Up); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}
