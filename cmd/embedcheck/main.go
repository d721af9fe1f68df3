// Command embedcheck exercises the configured embedding provider end to end:
// it embeds a handful of titles into an in-memory catalog, backfills them and
// runs a similarity query against the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dshills/bookfinder/internal/app"
	"github.com/dshills/bookfinder/internal/config"
	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/pkg/types"
)

var sampleBooks = []*types.Book{
	{ISBN: "0439136350", Title: "Harry Potter and the Prisoner of Azkaban", Author: "J. K. Rowling", Year: 1999},
	{ISBN: "0590353403", Title: "Harry Potter and the Sorcerer's Stone", Author: "J. K. Rowling", Year: 1998},
	{ISBN: "0345339681", Title: "The Hobbit", Author: "J. R. R. Tolkien", Year: 1986},
	{ISBN: "0451524934", Title: "1984", Author: "George Orwell", Year: 1990},
	{ISBN: "0140283331", Title: "Lord of the Flies", Author: "William Golding", Year: 1999},
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	provider := flag.String("provider", "", "override embedding.provider (ollama, openai, jina, local)")
	query := flag.String("query", "harry potter", "similarity query to run after the backfill")
	flag.Parse()

	fmt.Println("Testing embedding integration...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *provider != "" {
		cfg.Embedding.Provider = *provider
	}

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}

	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}

	a := app.NewWith(cfg, store, emb)
	defer a.Close()

	ctx := context.Background()
	if _, err := store.AddBooks(ctx, sampleBooks); err != nil {
		log.Fatalf("Failed to add books: %v", err)
	}

	stats, err := a.Backfill(ctx, indexer.Options{BatchSize: 2})
	if err != nil {
		log.Fatalf("Failed to backfill: %v", err)
	}

	fmt.Printf("\nBackfill Statistics:\n")
	fmt.Printf("  Provider: %s (%s, %d dims)\n", emb.Provider(), emb.Model(), emb.Dimension())
	fmt.Printf("  Candidates: %d\n", stats.Candidates)
	fmt.Printf("  Batches: %d (%d failed)\n", stats.Batches, stats.FailedBatches)
	fmt.Printf("  Rows Written: %d\n", stats.RowsWritten)
	fmt.Printf("  Duration: %v\n", stats.Duration)

	if len(stats.ErrorMessages) > 0 {
		fmt.Printf("\nErrors:\n")
		for _, msg := range stats.ErrorMessages {
			fmt.Printf("  - %s\n", msg)
		}
	}

	results, err := a.Search(ctx, types.ModeSimilarity, *query)
	if err != nil {
		log.Fatalf("Failed to search: %v", err)
	}

	fmt.Printf("\nResults for %q:\n", *query)
	for _, r := range results {
		fmt.Printf("  %.4f  %s  %s (%s)\n", r.DistanceOrZero(), r.ISBN, r.Title, r.YearLabel())
	}

	if stats.RowsWritten == len(sampleBooks) && len(results) > 0 {
		fmt.Println("\n✓ SUCCESS: Embeddings were generated, stored and searched!")
	} else {
		fmt.Println("\n✗ FAILURE: Not every title was embedded!")
		os.Exit(1)
	}
}
