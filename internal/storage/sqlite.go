package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/bookfinder/pkg/types"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Single writer; also keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) querier() querier {
	return t.tx
}

func (s *SQLiteStorage) querier() querier {
	return s.db
}

// classifySQLiteError maps constraint failures onto storage errors. Both
// drivers report the SQLite message text verbatim.
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %v", ErrForeignKey, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// Catalog operations

func (s *SQLiteStorage) addBooksWithQuerier(ctx context.Context, q querier, books []*types.Book) (int, error) {
	query := `
		INSERT INTO books (isbn, title, author, year, publisher, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(isbn) DO NOTHING
	`
	inserted := 0
	for _, book := range books {
		if err := book.Validate(); err != nil {
			return inserted, fmt.Errorf("book %q: %w", book.ISBN, err)
		}
		var blob []byte
		if book.HasEmbedding() {
			blob = serializeVector(book.Embedding)
		}
		result, err := q.ExecContext(ctx, query,
			book.ISBN, nullString(book.Title), nullString(book.Author),
			nullInt(book.Year), nullString(book.Publisher), blob)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert book %s: %w", book.ISBN, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (s *SQLiteStorage) AddBooks(ctx context.Context, books []*types.Book) (int, error) {
	return s.addBooksWithQuerier(ctx, s.querier(), books)
}

func (s *SQLiteStorage) getBookWithQuerier(ctx context.Context, q querier, isbn string) (*types.Book, error) {
	query := `
		SELECT isbn, COALESCE(title, ''), COALESCE(author, ''), COALESCE(year, 0),
		       COALESCE(publisher, ''), embedding
		FROM books WHERE isbn = ?
	`
	var book types.Book
	var blob []byte
	err := q.QueryRowContext(ctx, query, isbn).Scan(
		&book.ISBN, &book.Title, &book.Author, &book.Year, &book.Publisher, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	if len(blob) > 0 {
		book.Embedding = deserializeVector(blob)
	}
	return &book, nil
}

func (s *SQLiteStorage) GetBook(ctx context.Context, isbn string) (*types.Book, error) {
	return s.getBookWithQuerier(ctx, s.querier(), isbn)
}

func (s *SQLiteStorage) addUsersWithQuerier(ctx context.Context, q querier, users []*types.User) (int, error) {
	query := `
		INSERT INTO users (id, name, email, password_hash, location, age)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	inserted := 0
	for _, user := range users {
		if user.ID <= 0 {
			return inserted, types.ErrInvalidUserID
		}
		result, err := q.ExecContext(ctx, query,
			user.ID, nullString(user.Name), nullString(user.Email),
			nullString(user.PasswordHash), nullString(user.Location), nullInt(user.Age))
		if err != nil {
			return inserted, fmt.Errorf("failed to insert user %d: %w", user.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (s *SQLiteStorage) AddUsers(ctx context.Context, users []*types.User) (int, error) {
	return s.addUsersWithQuerier(ctx, s.querier(), users)
}

func (s *SQLiteStorage) getUserWithQuerier(ctx context.Context, q querier, userID int64) (*types.User, error) {
	query := `
		SELECT id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(password_hash, ''),
		       COALESCE(location, ''), COALESCE(age, 0)
		FROM users WHERE id = ?
	`
	var user types.User
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Location, &user.Age)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStorage) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	return s.getUserWithQuerier(ctx, s.querier(), userID)
}

// Rating operations

func (s *SQLiteStorage) upsertRatingWithQuerier(ctx context.Context, q querier, rating *types.Rating) error {
	query := `
		INSERT INTO ratings (user_id, isbn, score, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, isbn) DO UPDATE SET
			score = excluded.score,
			updated_at = excluded.updated_at
	`
	if _, err := q.ExecContext(ctx, query, rating.UserID, rating.ISBN, rating.Score); err != nil {
		return fmt.Errorf("failed to upsert rating: %w", classifySQLiteError(err))
	}
	return nil
}

func (s *SQLiteStorage) UpsertRating(ctx context.Context, rating *types.Rating) error {
	return s.upsertRatingWithQuerier(ctx, s.querier(), rating)
}

func (s *SQLiteStorage) getRatingWithQuerier(ctx context.Context, q querier, userID int64, isbn string) (*types.Rating, error) {
	var rating types.Rating
	err := q.QueryRowContext(ctx,
		"SELECT user_id, isbn, score FROM ratings WHERE user_id = ? AND isbn = ?",
		userID, isbn).Scan(&rating.UserID, &rating.ISBN, &rating.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rating: %w", err)
	}
	return &rating, nil
}

func (s *SQLiteStorage) GetRating(ctx context.Context, userID int64, isbn string) (*types.Rating, error) {
	return s.getRatingWithQuerier(ctx, s.querier(), userID, isbn)
}

func (s *SQLiteStorage) getAggregateWithQuerier(ctx context.Context, q querier, isbn string) (*types.RatingAggregate, error) {
	var agg types.RatingAggregate
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(NULLIF(score, 0)), 0), COUNT(NULLIF(score, 0))
		FROM ratings WHERE isbn = ?
	`, isbn).Scan(&agg.Average, &agg.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ratings: %w", err)
	}
	return &agg, nil
}

func (s *SQLiteStorage) GetAggregate(ctx context.Context, isbn string) (*types.RatingAggregate, error) {
	return s.getAggregateWithQuerier(ctx, s.querier(), isbn)
}

// Retrieval operations

// sqliteCandidateColumns selects a book joined with its rating aggregate.
// Callers must GROUP BY b.isbn.
const sqliteCandidateColumns = `
	b.isbn, COALESCE(b.title, ''), COALESCE(b.author, ''), COALESCE(b.year, 0),
	COALESCE(b.publisher, ''),
	COALESCE(AVG(NULLIF(r.score, 0)), 0) AS avg_rating,
	COUNT(NULLIF(r.score, 0)) AS rating_count`

func (s *SQLiteStorage) searchAttributeWithQuerier(ctx context.Context, q querier, attr Attribute, term string) ([]types.SearchResult, error) {
	if !attr.Valid() {
		return nil, fmt.Errorf("unsupported search attribute %q", attr)
	}
	// attr is whitelisted above, so interpolating the column name is safe.
	// Both sides are case folded; LIKE alone only folds ASCII.
	query := `SELECT ` + sqliteCandidateColumns + `
		FROM books b
		LEFT JOIN ratings r ON r.isbn = b.isbn
		WHERE `+foldFunc+`(b.`+string(attr)+`) LIKE `+foldFunc+`(?) ESCAPE '\'
		GROUP BY b.isbn
		ORDER BY NULLIF(b.year, 0) DESC NULLS LAST, rating_count DESC, avg_rating DESC, b.isbn
	`
	rows, err := q.QueryContext(ctx, query, escapeLike(term))
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", attr, err)
	}
	defer func() { _ = rows.Close() }()
	return scanCandidates(rows)
}

func (s *SQLiteStorage) SearchAttribute(ctx context.Context, attr Attribute, term string) ([]types.SearchResult, error) {
	return s.searchAttributeWithQuerier(ctx, s.querier(), attr, term)
}

func (s *SQLiteStorage) lookupISBNWithQuerier(ctx context.Context, q querier, isbn string) ([]types.SearchResult, error) {
	// = on TEXT uses BINARY collation, so the match is case-sensitive.
	query := `SELECT ` + sqliteCandidateColumns + `
		FROM books b
		LEFT JOIN ratings r ON r.isbn = b.isbn
		WHERE b.isbn = ?
		GROUP BY b.isbn
	`
	rows, err := q.QueryContext(ctx, query, isbn)
	if err != nil {
		return nil, fmt.Errorf("failed to look up isbn: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCandidates(rows)
}

func (s *SQLiteStorage) LookupISBN(ctx context.Context, isbn string) ([]types.SearchResult, error) {
	return s.lookupISBNWithQuerier(ctx, s.querier(), isbn)
}

func (s *SQLiteStorage) SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error) {
	return searchVector(ctx, s.querier(), vector, limit)
}

func scanCandidates(rows *sql.Rows) ([]types.SearchResult, error) {
	results := make([]types.SearchResult, 0)
	for rows.Next() {
		var r types.SearchResult
		if err := rows.Scan(&r.ISBN, &r.Title, &r.Author, &r.Year, &r.Publisher,
			&r.AverageRating, &r.RatingCount); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Embedding operations

func (s *SQLiteStorage) listMissingEmbeddingsWithQuerier(ctx context.Context, q querier) ([]PendingEmbedding, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT isbn, title FROM books
		WHERE embedding IS NULL AND title IS NOT NULL AND TRIM(title) <> ''
		ORDER BY isbn
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list missing embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pending := make([]PendingEmbedding, 0)
	for rows.Next() {
		var p PendingEmbedding
		if err := rows.Scan(&p.ISBN, &p.Title); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *SQLiteStorage) ListMissingEmbeddings(ctx context.Context) ([]PendingEmbedding, error) {
	return s.listMissingEmbeddingsWithQuerier(ctx, s.querier())
}

// setEmbeddingsWithQuerier writes the whole batch in one UPDATE. Rows that
// already carry an embedding are left untouched.
func (s *SQLiteStorage) setEmbeddingsWithQuerier(ctx context.Context, q querier, writes []EmbeddingWrite) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(writes)*3)
	sb.WriteString("UPDATE books SET embedding = CASE isbn")
	for _, w := range writes {
		if len(w.Vector) == 0 {
			return 0, fmt.Errorf("empty vector for isbn %s", w.ISBN)
		}
		sb.WriteString(" WHEN ? THEN ?")
		args = append(args, w.ISBN, serializeVector(w.Vector))
	}
	sb.WriteString(" END, embedded_at = CURRENT_TIMESTAMP WHERE embedding IS NULL AND isbn IN (")
	for i, w := range writes {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("?")
		args = append(args, w.ISBN)
	}
	sb.WriteString(")")

	result, err := q.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to write embeddings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStorage) SetEmbeddings(ctx context.Context, writes []EmbeddingWrite) (int, error) {
	return s.setEmbeddingsWithQuerier(ctx, s.querier(), writes)
}

// Credential operations

func (s *SQLiteStorage) listUsersWithoutEmailWithQuerier(ctx context.Context, q querier) ([]*types.User, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(location, ''), COALESCE(age, 0)
		FROM users WHERE email IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make([]*types.User, 0)
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Location, &u.Age); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *SQLiteStorage) ListUsersWithoutEmail(ctx context.Context) ([]*types.User, error) {
	return s.listUsersWithoutEmailWithQuerier(ctx, s.querier())
}

func (s *SQLiteStorage) setCredentialsWithQuerier(ctx context.Context, q querier, users []*types.User) (int, error) {
	query := `
		UPDATE users SET name = ?, email = ?, password_hash = ?
		WHERE id = ? AND email IS NULL
	`
	written := 0
	for _, u := range users {
		result, err := q.ExecContext(ctx, query, nullString(u.Name), nullString(u.Email),
			nullString(u.PasswordHash), u.ID)
		if err != nil {
			return written, fmt.Errorf("failed to set credentials for user %d: %w", u.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return written, err
		}
		written += int(n)
	}
	return written, nil
}

func (s *SQLiteStorage) SetCredentials(ctx context.Context, users []*types.User) (int, error) {
	return s.setCredentialsWithQuerier(ctx, s.querier(), users)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*CatalogStatus, error) {
	status := &CatalogStatus{Backend: "sqlite/" + BuildMode}

	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(embedding),
		       COALESCE(SUM(CASE WHEN embedding IS NULL AND title IS NOT NULL AND TRIM(title) <> '' THEN 1 ELSE 0 END), 0),
		       COALESCE(MAX(LENGTH(embedding)) / 4, 0)
		FROM books
	`).Scan(&status.Books, &status.Embedded, &status.PendingEmbeddings, &status.Dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to count books: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN email IS NULL THEN 1 ELSE 0 END), 0) FROM users
	`).Scan(&status.Users, &status.UsersWithoutEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM ratings").Scan(&status.Ratings); err != nil {
		return nil, fmt.Errorf("failed to count ratings: %w", err)
	}
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier())
}

// Transaction implementations

func (t *sqliteTx) AddBooks(ctx context.Context, books []*types.Book) (int, error) {
	return t.storage.addBooksWithQuerier(ctx, t.querier(), books)
}

func (t *sqliteTx) GetBook(ctx context.Context, isbn string) (*types.Book, error) {
	return t.storage.getBookWithQuerier(ctx, t.querier(), isbn)
}

func (t *sqliteTx) AddUsers(ctx context.Context, users []*types.User) (int, error) {
	return t.storage.addUsersWithQuerier(ctx, t.querier(), users)
}

func (t *sqliteTx) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	return t.storage.getUserWithQuerier(ctx, t.querier(), userID)
}

func (t *sqliteTx) UpsertRating(ctx context.Context, rating *types.Rating) error {
	return t.storage.upsertRatingWithQuerier(ctx, t.querier(), rating)
}

func (t *sqliteTx) GetRating(ctx context.Context, userID int64, isbn string) (*types.Rating, error) {
	return t.storage.getRatingWithQuerier(ctx, t.querier(), userID, isbn)
}

func (t *sqliteTx) GetAggregate(ctx context.Context, isbn string) (*types.RatingAggregate, error) {
	return t.storage.getAggregateWithQuerier(ctx, t.querier(), isbn)
}

func (t *sqliteTx) SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error) {
	return searchVector(ctx, t.querier(), vector, limit)
}

func (t *sqliteTx) SearchAttribute(ctx context.Context, attr Attribute, term string) ([]types.SearchResult, error) {
	return t.storage.searchAttributeWithQuerier(ctx, t.querier(), attr, term)
}

func (t *sqliteTx) LookupISBN(ctx context.Context, isbn string) ([]types.SearchResult, error) {
	return t.storage.lookupISBNWithQuerier(ctx, t.querier(), isbn)
}

func (t *sqliteTx) ListMissingEmbeddings(ctx context.Context) ([]PendingEmbedding, error) {
	return t.storage.listMissingEmbeddingsWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) SetEmbeddings(ctx context.Context, writes []EmbeddingWrite) (int, error) {
	return t.storage.setEmbeddingsWithQuerier(ctx, t.querier(), writes)
}

func (t *sqliteTx) ListUsersWithoutEmail(ctx context.Context) ([]*types.User, error) {
	return t.storage.listUsersWithoutEmailWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) SetCredentials(ctx context.Context, users []*types.User) (int, error) {
	return t.storage.setCredentialsWithQuerier(ctx, t.querier(), users)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) Ping(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "SELECT 1")
	return err
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, ErrNestedTx
}
