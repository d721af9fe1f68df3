// Package indexer maintains the title embeddings that similarity search reads.
//
// # Backfill
//
//	idx := indexer.New(store, emb, workpool.New(0))
//	stats, err := idx.Backfill(ctx, indexer.Options{BatchSize: 256})
//	fmt.Printf("wrote %d embeddings in %v\n", stats.RowsWritten, stats.Duration)
//
// A run selects every book with a null embedding and a non-empty title,
// sorts it by isbn and cuts it into fixed-size batches. Each batch:
//
//  1. embeds all of its titles with one GenerateBatch call
//  2. checks that every vector has the embedder's dimension
//  3. writes all (isbn, vector) pairs in one UPDATE inside its own transaction
//
// Batches run on the worker pool and finish in any order; outcomes are matched
// back to their batch by index afterwards.
//
// # Resumability
//
// The write only touches rows whose embedding is still null, so an existing
// vector is never replaced. A batch that fails (provider down, dimension drift,
// write error) is logged and skipped; its rows keep a null embedding and are
// picked up by the next run. A crash loses at most the batches in flight.
//
// Options.MaxBatches stops a run early, which is how a long backfill is split
// into several smaller maintenance windows.
//
// Only one backfill runs per Indexer at a time. A second call while one is in
// progress fails immediately with ErrBackfillInProgress.
package indexer
