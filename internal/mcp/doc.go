// Package mcp implements the Model Context Protocol (MCP) server for bookfinder.
//
// The MCP server exposes four tools:
//   - search_books: Search the catalog by title similarity, author, publisher or isbn
//   - rate_book: Record or overwrite a reader's score for a book
//   - backfill_embeddings: Embed every title that has no vector yet
//   - catalog_status: Report catalog counts and embedding coverage
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout carries protocol messages only.
//
// # Basic Usage
//
//	bookfinder serve
//
// # Tool: search_books
//
//	Request:
//	{
//	  "name": "search_books",
//	  "arguments": {"mode": "similarity", "term": "harry potter"}
//	}
//
//	Response:
//	{
//	  "mode": "similarity",
//	  "term": "harry potter",
//	  "count": 2,
//	  "results": [
//	    {
//	      "isbn": "0439136350",
//	      "title": "Harry Potter and the Prisoner of Azkaban",
//	      "author": "J. K. Rowling",
//	      "year": "1999",
//	      "publisher": "Scholastic",
//	      "distance": 0.41,
//	      "avg_rating": 9.1,
//	      "rating_count": 57
//	    }
//	  ]
//	}
//
// Similarity results are ordered by distance and capped at 15; author and
// publisher results by year, then rating count, then average, capped at 20.
// No title appears more than twice. An unknown year renders as "unknown".
//
// # Tool: rate_book
//
//	{"name": "rate_book", "arguments": {"user_id": 7, "isbn": "0439136350", "score": 9}}
//
// A second call for the same user and isbn overwrites the score.
//
// # Errors
//
//	-32602  invalid params (unknown mode, empty term, score outside 1..10)
//	-32001  store or embedding provider unavailable
//	-32002  rating references a user or book that does not exist
//	-32003  a backfill is already running
//	-32603  anything else, including a rolled back write
package mcp
