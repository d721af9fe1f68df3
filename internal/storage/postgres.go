package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/dshills/bookfinder/pkg/types"
)

// PostgreSQL error codes used for classification
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// PostgresConfig configures the PostgreSQL backend
type PostgresConfig struct {
	DSN       string
	Dimension int // Width of the books.embedding vector column
	MaxConns  int32
}

// PostgresStorage implements the Storage interface using PostgreSQL + pgvector
type PostgresStorage struct {
	pool      *pgxpool.Pool
	dimension int
}

// pgQuerier is an interface that both *pgxpool.Pool and pgx.Tx implement
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// NewPostgresStorage connects, verifies the server and applies migrations
func NewPostgresStorage(ctx context.Context, cfg PostgresConfig) (*PostgresStorage, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := runMigrations(ctx, postgresMigrator{pool: pool}, PostgresMigrations(cfg.Dimension)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &PostgresStorage{pool: pool, dimension: cfg.Dimension}, nil
}

// Close closes the pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BeginTx starts a new transaction
func (s *PostgresStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx, storage: s}, nil
}

// postgresTx wraps a pgx transaction
type postgresTx struct {
	tx      pgx.Tx
	storage *PostgresStorage
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// classifyPgError maps constraint failures onto storage errors
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrForeignKey, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("unique violation on %s: %w", pgErr.ConstraintName, err)
		}
	}
	return err
}

func pgText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pgInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// execBatch sends a batch and sums the affected rows of every statement
func execBatch(ctx context.Context, q pgQuerier, batch *pgx.Batch) (int, error) {
	results := q.SendBatch(ctx, batch)
	affected := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return affected, classifyPgError(err)
		}
		affected += int(tag.RowsAffected())
	}
	return affected, results.Close()
}

// Catalog operations

func (s *PostgresStorage) addBooks(ctx context.Context, q pgQuerier, books []*types.Book) (int, error) {
	batch := &pgx.Batch{}
	for _, book := range books {
		if err := book.Validate(); err != nil {
			return 0, fmt.Errorf("book %q: %w", book.ISBN, err)
		}
		var embedding *pgvector.Vector
		if book.HasEmbedding() {
			v := pgvector.NewVector(book.Embedding)
			embedding = &v
		}
		batch.Queue(`
			INSERT INTO books (isbn, title, author, year, publisher, embedding)
			VALUES ($1, $2, $3, $4, $5, $6::vector)
			ON CONFLICT (isbn) DO NOTHING
		`, book.ISBN, pgText(book.Title), pgText(book.Author), pgInt(book.Year), pgText(book.Publisher), embedding)
	}
	n, err := execBatch(ctx, q, batch)
	if err != nil {
		return n, fmt.Errorf("failed to insert books: %w", err)
	}
	return n, nil
}

func (s *PostgresStorage) AddBooks(ctx context.Context, books []*types.Book) (int, error) {
	return s.addBooks(ctx, s.pool, books)
}

func (s *PostgresStorage) getBook(ctx context.Context, q pgQuerier, isbn string) (*types.Book, error) {
	var book types.Book
	var embedding *pgvector.Vector
	err := q.QueryRow(ctx, `
		SELECT isbn, COALESCE(title, ''), COALESCE(author, ''), COALESCE(year, 0),
		       COALESCE(publisher, ''), embedding
		FROM books WHERE isbn = $1
	`, isbn).Scan(&book.ISBN, &book.Title, &book.Author, &book.Year, &book.Publisher, &embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	if embedding != nil {
		book.Embedding = embedding.Slice()
	}
	return &book, nil
}

func (s *PostgresStorage) GetBook(ctx context.Context, isbn string) (*types.Book, error) {
	return s.getBook(ctx, s.pool, isbn)
}

func (s *PostgresStorage) addUsers(ctx context.Context, q pgQuerier, users []*types.User) (int, error) {
	batch := &pgx.Batch{}
	for _, user := range users {
		if user.ID <= 0 {
			return 0, types.ErrInvalidUserID
		}
		batch.Queue(`
			INSERT INTO users (id, name, email, password_hash, location, age)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, user.ID, pgText(user.Name), pgText(user.Email), pgText(user.PasswordHash),
			pgText(user.Location), pgInt(user.Age))
	}
	n, err := execBatch(ctx, q, batch)
	if err != nil {
		return n, fmt.Errorf("failed to insert users: %w", err)
	}
	return n, nil
}

func (s *PostgresStorage) AddUsers(ctx context.Context, users []*types.User) (int, error) {
	return s.addUsers(ctx, s.pool, users)
}

func (s *PostgresStorage) getUser(ctx context.Context, q pgQuerier, userID int64) (*types.User, error) {
	var user types.User
	err := q.QueryRow(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(password_hash, ''),
		       COALESCE(location, ''), COALESCE(age, 0)
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Location, &user.Age)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	return s.getUser(ctx, s.pool, userID)
}

// Rating operations

func (s *PostgresStorage) upsertRating(ctx context.Context, q pgQuerier, rating *types.Rating) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ratings (user_id, isbn, score, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, isbn) DO UPDATE SET
			score = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at
	`, rating.UserID, rating.ISBN, rating.Score)
	if err != nil {
		return fmt.Errorf("failed to upsert rating: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStorage) UpsertRating(ctx context.Context, rating *types.Rating) error {
	return s.upsertRating(ctx, s.pool, rating)
}

func (s *PostgresStorage) getRating(ctx context.Context, q pgQuerier, userID int64, isbn string) (*types.Rating, error) {
	var rating types.Rating
	err := q.QueryRow(ctx,
		"SELECT user_id, isbn, score FROM ratings WHERE user_id = $1 AND isbn = $2",
		userID, isbn).Scan(&rating.UserID, &rating.ISBN, &rating.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rating: %w", err)
	}
	return &rating, nil
}

func (s *PostgresStorage) GetRating(ctx context.Context, userID int64, isbn string) (*types.Rating, error) {
	return s.getRating(ctx, s.pool, userID, isbn)
}

func (s *PostgresStorage) getAggregate(ctx context.Context, q pgQuerier, isbn string) (*types.RatingAggregate, error) {
	var agg types.RatingAggregate
	err := q.QueryRow(ctx, `
		SELECT COALESCE(AVG(NULLIF(score, 0)), 0)::float8, COUNT(NULLIF(score, 0))::int
		FROM ratings WHERE isbn = $1
	`, isbn).Scan(&agg.Average, &agg.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ratings: %w", err)
	}
	return &agg, nil
}

func (s *PostgresStorage) GetAggregate(ctx context.Context, isbn string) (*types.RatingAggregate, error) {
	return s.getAggregate(ctx, s.pool, isbn)
}

// Retrieval operations

const pgCandidateColumns = `
	b.isbn, COALESCE(b.title, ''), COALESCE(b.author, ''), COALESCE(b.year, 0),
	COALESCE(b.publisher, ''),
	COALESCE(AVG(NULLIF(r.score, 0)), 0)::float8 AS avg_rating,
	COUNT(NULLIF(r.score, 0))::int AS rating_count`

// searchVector lets pgvector pick the nearest books first, then joins
// aggregates onto that bounded set.
func (s *PostgresStorage) searchVector(ctx context.Context, q pgQuerier, vector []float32, limit int) ([]types.SearchResult, error) {
	if limit <= 0 || len(vector) == 0 {
		return []types.SearchResult{}, nil
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, column has %d",
			types.ErrDimensionDrift, len(vector), s.dimension)
	}

	rows, err := q.Query(ctx, `
		WITH nearest AS (
			SELECT isbn, (embedding <-> $1::vector)::float8 AS distance
			FROM books
			WHERE embedding IS NOT NULL
			ORDER BY distance ASC, NULLIF(year, 0) DESC NULLS LAST, isbn
			LIMIT $2
		)
		SELECT `+pgCandidateColumns+`, n.distance
		FROM nearest n
		JOIN books b ON b.isbn = n.isbn
		LEFT JOIN ratings r ON r.isbn = b.isbn
		GROUP BY b.isbn, n.distance
		ORDER BY n.distance ASC, NULLIF(b.year, 0) DESC NULLS LAST, b.isbn
	`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer rows.Close()

	results := make([]types.SearchResult, 0, limit)
	for rows.Next() {
		var r types.SearchResult
		var distance float64
		if err := rows.Scan(&r.ISBN, &r.Title, &r.Author, &r.Year, &r.Publisher,
			&r.AverageRating, &r.RatingCount, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Distance = &distance
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStorage) SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error) {
	return s.searchVector(ctx, s.pool, vector, limit)
}

func (s *PostgresStorage) searchAttribute(ctx context.Context, q pgQuerier, attr Attribute, term string) ([]types.SearchResult, error) {
	if !attr.Valid() {
		return nil, fmt.Errorf("unsupported search attribute %q", attr)
	}
	// attr is whitelisted above, so interpolating the column name is safe.
	rows, err := q.Query(ctx, `
		SELECT `+pgCandidateColumns+`
		FROM books b
		LEFT JOIN ratings r ON r.isbn = b.isbn
		WHERE b.`+string(attr)+` ILIKE $1 ESCAPE '\'
		GROUP BY b.isbn
		ORDER BY NULLIF(b.year, 0) DESC NULLS LAST, rating_count DESC, avg_rating DESC, b.isbn
	`, escapeLike(term))
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", attr, err)
	}
	return collectCandidates(rows)
}

func (s *PostgresStorage) SearchAttribute(ctx context.Context, attr Attribute, term string) ([]types.SearchResult, error) {
	return s.searchAttribute(ctx, s.pool, attr, term)
}

func (s *PostgresStorage) lookupISBN(ctx context.Context, q pgQuerier, isbn string) ([]types.SearchResult, error) {
	rows, err := q.Query(ctx, `
		SELECT `+pgCandidateColumns+`
		FROM books b
		LEFT JOIN ratings r ON r.isbn = b.isbn
		WHERE b.isbn = $1
		GROUP BY b.isbn
	`, isbn)
	if err != nil {
		return nil, fmt.Errorf("failed to look up isbn: %w", err)
	}
	return collectCandidates(rows)
}

func (s *PostgresStorage) LookupISBN(ctx context.Context, isbn string) ([]types.SearchResult, error) {
	return s.lookupISBN(ctx, s.pool, isbn)
}

func collectCandidates(rows pgx.Rows) ([]types.SearchResult, error) {
	defer rows.Close()
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

func (s *PostgresStorage) listMissingEmbeddings(ctx context.Context, q pgQuerier) ([]PendingEmbedding, error) {
	rows, err := q.Query(ctx, `
		SELECT isbn, title FROM books
		WHERE embedding IS NULL AND title IS NOT NULL AND btrim(title) <> ''
		ORDER BY isbn
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list missing embeddings: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStorage) ListMissingEmbeddings(ctx context.Context) ([]PendingEmbedding, error) {
	return s.listMissingEmbeddings(ctx, s.pool)
}

// setEmbeddings writes the batch with one UPDATE ... FROM (VALUES ...).
// Rows that already carry an embedding are left untouched.
func (s *PostgresStorage) setEmbeddings(ctx context.Context, q pgQuerier, writes []EmbeddingWrite) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(writes)*2)
	sb.WriteString("UPDATE books AS b SET embedding = v.embedding, embedded_at = now() FROM (VALUES ")
	for i, w := range writes {
		if len(w.Vector) != s.dimension {
			return 0, fmt.Errorf("%w: isbn %s has %d dimensions, column has %d",
				types.ErrDimensionDrift, w.ISBN, len(w.Vector), s.dimension)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d::text, $%d::vector)", 2*i+1, 2*i+2)
		args = append(args, w.ISBN, pgvector.NewVector(w.Vector))
	}
	sb.WriteString(") AS v(isbn, embedding) WHERE b.isbn = v.isbn AND b.embedding IS NULL")

	tag, err := q.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to write embeddings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStorage) SetEmbeddings(ctx context.Context, writes []EmbeddingWrite) (int, error) {
	return s.setEmbeddings(ctx, s.pool, writes)
}

// Credential operations

func (s *PostgresStorage) listUsersWithoutEmail(ctx context.Context, q pgQuerier) ([]*types.User, error) {
	rows, err := q.Query(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(location, ''), COALESCE(age, 0)
		FROM users WHERE email IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStorage) ListUsersWithoutEmail(ctx context.Context) ([]*types.User, error) {
	return s.listUsersWithoutEmail(ctx, s.pool)
}

func (s *PostgresStorage) setCredentials(ctx context.Context, q pgQuerier, users []*types.User) (int, error) {
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(`
			UPDATE users SET name = $1, email = $2, password_hash = $3
			WHERE id = $4 AND email IS NULL
		`, pgText(u.Name), pgText(u.Email), pgText(u.PasswordHash), u.ID)
	}
	n, err := execBatch(ctx, q, batch)
	if err != nil {
		return n, fmt.Errorf("failed to set credentials: %w", err)
	}
	return n, nil
}

func (s *PostgresStorage) SetCredentials(ctx context.Context, users []*types.User) (int, error) {
	return s.setCredentials(ctx, s.pool, users)
}

// Status operations

func (s *PostgresStorage) getStatus(ctx context.Context, q pgQuerier) (*CatalogStatus, error) {
	status := &CatalogStatus{Backend: "postgres", Dimension: s.dimension}

	err := q.QueryRow(ctx, `
		SELECT COUNT(*)::int,
		       COUNT(embedding)::int,
		       COUNT(*) FILTER (WHERE embedding IS NULL AND title IS NOT NULL AND btrim(title) <> '')::int
		FROM books
	`).Scan(&status.Books, &status.Embedded, &status.PendingEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to count books: %w", err)
	}

	err = q.QueryRow(ctx, `
		SELECT COUNT(*)::int, COUNT(*) FILTER (WHERE email IS NULL)::int FROM users
	`).Scan(&status.Users, &status.UsersWithoutEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	if err := q.QueryRow(ctx, "SELECT COUNT(*)::int FROM ratings").Scan(&status.Ratings); err != nil {
		return nil, fmt.Errorf("failed to count ratings: %w", err)
	}
	return status, nil
}

func (s *PostgresStorage) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	return s.getStatus(ctx, s.pool)
}

// Transaction implementations

func (t *postgresTx) AddBooks(ctx context.Context, books []*types.Book) (int, error) {
	return t.storage.addBooks(ctx, t.tx, books)
}

func (t *postgresTx) GetBook(ctx context.Context, isbn string) (*types.Book, error) {
	return t.storage.getBook(ctx, t.tx, isbn)
}

func (t *postgresTx) AddUsers(ctx context.Context, users []*types.User) (int, error) {
	return t.storage.addUsers(ctx, t.tx, users)
}

func (t *postgresTx) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	return t.storage.getUser(ctx, t.tx, userID)
}

func (t *postgresTx) UpsertRating(ctx context.Context, rating *types.Rating) error {
	return t.storage.upsertRating(ctx, t.tx, rating)
}

func (t *postgresTx) GetRating(ctx context.Context, userID int64, isbn string) (*types.Rating, error) {
	return t.storage.getRating(ctx, t.tx, userID, isbn)
}

func (t *postgresTx) GetAggregate(ctx context.Context, isbn string) (*types.RatingAggregate, error) {
	return t.storage.getAggregate(ctx, t.tx, isbn)
}

func (t *postgresTx) SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error) {
	return t.storage.searchVector(ctx, t.tx, vector, limit)
}

func (t *postgresTx) SearchAttribute(ctx context.Context, attr Attribute, term string) ([]types.SearchResult, error) {
	return t.storage.searchAttribute(ctx, t.tx, attr, term)
}

func (t *postgresTx) LookupISBN(ctx context.Context, isbn string) ([]types.SearchResult, error) {
	return t.storage.lookupISBN(ctx, t.tx, isbn)
}

func (t *postgresTx) ListMissingEmbeddings(ctx context.Context) ([]PendingEmbedding, error) {
	return t.storage.listMissingEmbeddings(ctx, t.tx)
}

func (t *postgresTx) SetEmbeddings(ctx context.Context, writes []EmbeddingWrite) (int, error) {
	return t.storage.setEmbeddings(ctx, t.tx, writes)
}

func (t *postgresTx) ListUsersWithoutEmail(ctx context.Context) ([]*types.User, error) {
	return t.storage.listUsersWithoutEmail(ctx, t.tx)
}

func (t *postgresTx) SetCredentials(ctx context.Context, users []*types.User) (int, error) {
	return t.storage.setCredentials(ctx, t.tx, users)
}

func (t *postgresTx) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	return t.storage.getStatus(ctx, t.tx)
}

func (t *postgresTx) Ping(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "SELECT 1")
	return err
}

func (t *postgresTx) Close() error {
	return nil
}

func (t *postgresTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, ErrNestedTx
}
