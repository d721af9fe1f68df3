package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/bookfinder/internal/embedder"
)

// searchBooksTool returns the tool definition for search_books
func searchBooksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_books",
		Description: "Search the book catalog by title similarity, author, publisher or exact isbn",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Retrieval mode: similarity (semantic title search), author, publisher, or isbn",
					"enum":        []string{"similarity", "author", "publisher", "isbn"},
				},
				"term": map[string]interface{}{
					"type":        "string",
					"description": "Search term; a title for similarity, a substring for author and publisher, an exact isbn",
				},
			},
			Required: []string{"mode", "term"},
		},
	}
}

// rateBookTool returns the tool definition for rate_book
func rateBookTool() mcp.Tool {
	return mcp.Tool{
		Name:        "rate_book",
		Description: "Record or overwrite a reader's score for a book",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "integer",
					"description": "Id of an existing user",
					"minimum":     1,
				},
				"isbn": map[string]interface{}{
					"type":        "string",
					"description": "Isbn of an existing book",
				},
				"score": map[string]interface{}{
					"type":        "integer",
					"description": "Score from 1 to 10",
					"minimum":     1,
					"maximum":     10,
				},
			},
			Required: []string{"user_id", "isbn", "score"},
		},
	}
}

// backfillEmbeddingsTool returns the tool definition for backfill_embeddings
func backfillEmbeddingsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "backfill_embeddings",
		Description: "Compute title embeddings for every book that lacks one",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"batch_size": map[string]interface{}{
					"type":        "integer",
					"description": "Titles per provider call; 0 uses the configured size",
					"minimum":     0,
					"maximum":     embedder.MaxBatchSize,
				},
				"max_batches": map[string]interface{}{
					"type":        "integer",
					"description": "Stop after this many batches; 0 runs to completion",
					"minimum":     0,
				},
			},
		},
	}
}

// catalogStatusTool returns the tool definition for catalog_status
func catalogStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "catalog_status",
		Description: "Report catalog counts and embedding coverage",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
