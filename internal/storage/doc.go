// Package storage persists the book catalog, ratings and title embeddings.
//
// Two backends implement Storage:
//   - SQLiteStorage: embedded database, embeddings stored as little-endian
//     float32 blobs. Distances are computed in Go, or in SQL with
//     vec_distance_l2 when built with the sqlite_vec tag.
//   - PostgresStorage: pgx pool over PostgreSQL with the pgvector extension.
//     Nearest-neighbour ordering uses the <-> operator.
//
// # Database Schema
//
// Tables:
//   - books: isbn (primary key), title, author, year, publisher, embedding
//   - users: id, name, email, password_hash, location, age
//   - ratings: (user_id, isbn) primary key, score; both columns are foreign keys
//   - schema_version: applied migrations, compared with semver
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage("bookfinder.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	results, err := store.SearchAttribute(ctx, storage.AttributeAuthor, "herbert")
//
// Every retrieval row carries its rating aggregate, computed at read time as
// the mean and count of scores greater than zero.
//
// # Transactions
//
// WithTx scopes a unit of work. Any error rolls every write in the scope back:
//
//	err := storage.WithTx(ctx, store, func(tx storage.Tx) error {
//	    _, err := tx.SetEmbeddings(ctx, writes)
//	    return err
//	})
//
// # Embedding Immutability
//
// SetEmbeddings only updates rows whose embedding is still NULL and reports
// how many rows it actually wrote. AddBooks never touches an existing row.
//
// # Build Tags
//
// Pure Go (default):
//
//	CGO_ENABLED=0 go build ./...
//
// CGO with sqlite-vec:
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec" ./...
package storage
