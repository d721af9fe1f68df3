package mcp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams        = -32602 // Invalid method parameters
	ErrorCodeInternalError        = -32603 // Internal JSON-RPC error
	ErrorCodeUnavailable          = -32001 // Store or embedding provider unavailable
	ErrorCodeReferentialViolation = -32002 // Rating references a missing user or book
	ErrorCodeBackfillInProgress   = -32003 // Another backfill is already running
)

// handleSearchBooks handles the search_books tool invocation
func (s *Server) handleSearchBooks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = logging.ContextWithRequestID(ctx, logging.GenerateRequestID())
	args := request.GetArguments()

	modeName, ok := args["mode"].(string)
	if !ok || modeName == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "mode parameter is required", map[string]interface{}{
			"param":  "mode",
			"reason": "missing or empty",
		})
	}
	mode, err := types.ParseMode(modeName)
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid mode", map[string]interface{}{
			"param":   "mode",
			"value":   modeName,
			"allowed": []string{"similarity", "author", "publisher", "isbn"},
		})
	}

	term, _ := args["term"].(string)
	if strings.TrimSpace(term) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "term parameter is required and cannot be empty", map[string]interface{}{
			"param":  "term",
			"reason": "missing or empty",
		})
	}

	results, err := s.app.Search(ctx, mode, term)
	if err != nil {
		return nil, toMCPError("search failed", err)
	}

	items := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		item := map[string]interface{}{
			"isbn":         r.ISBN,
			"title":        r.Title,
			"author":       r.Author,
			"year":         r.YearLabel(),
			"publisher":    r.Publisher,
			"avg_rating":   r.AverageRating,
			"rating_count": r.RatingCount,
		}
		if r.HasDistance() {
			item["distance"] = r.DistanceOrZero()
		}
		items = append(items, item)
	}

	response := map[string]interface{}{
		"mode":    mode.String(),
		"term":    term,
		"count":   len(items),
		"results": items,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRateBook handles the rate_book tool invocation
func (s *Server) handleRateBook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx = logging.ContextWithRequestID(ctx, logging.GenerateRequestID())
	args := request.GetArguments()

	userID, err := requireInt(args, "user_id")
	if err != nil {
		return nil, err
	}
	score, err := requireInt(args, "score")
	if err != nil {
		return nil, err
	}
	isbn, ok := args["isbn"].(string)
	if !ok || isbn == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "isbn parameter is required", map[string]interface{}{
			"param":  "isbn",
			"reason": "missing or empty",
		})
	}

	if err := s.app.Rate(ctx, userID, isbn, int(score)); err != nil {
		return nil, toMCPError("rating failed", err)
	}

	response := map[string]interface{}{
		"rated":   true,
		"user_id": userID,
		"isbn":    isbn,
		"score":   score,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleBackfillEmbeddings handles the backfill_embeddings tool invocation
func (s *Server) handleBackfillEmbeddings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	batchSize := getIntDefault(args, "batch_size", 0)
	maxBatches := getIntDefault(args, "max_batches", 0)
	if batchSize < 0 || maxBatches < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "batch_size and max_batches cannot be negative", map[string]interface{}{
			"batch_size":  batchSize,
			"max_batches": maxBatches,
		})
	}

	stats, err := s.app.Backfill(ctx, indexer.Options{BatchSize: batchSize, MaxBatches: maxBatches})
	if err != nil {
		return nil, toMCPError("backfill failed", err)
	}

	response := map[string]interface{}{
		"run_id":         stats.RunID,
		"candidates":     stats.Candidates,
		"batches":        stats.Batches,
		"failed_batches": stats.FailedBatches,
		"rows_written":   stats.RowsWritten,
		"rows_skipped":   stats.RowsSkipped,
		"duration_ms":    stats.Duration.Milliseconds(),
	}
	if len(stats.ErrorMessages) > 0 {
		// Include first few errors
		errorCount := len(stats.ErrorMessages)
		if errorCount > 5 {
			response["errors"] = stats.ErrorMessages[:5]
			response["error_count"] = errorCount
		} else {
			response["errors"] = stats.ErrorMessages
		}
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleCatalogStatus handles the catalog_status tool invocation
func (s *Server) handleCatalogStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.app.Status(ctx)
	if err != nil {
		return nil, toMCPError("failed to get catalog status", err)
	}

	response := map[string]interface{}{
		"backend": status.Backend,
		"catalog": map[string]interface{}{
			"books":               status.Books,
			"users":               status.Users,
			"users_without_email": status.UsersWithoutEmail,
			"ratings":             status.Ratings,
		},
		"embeddings": map[string]interface{}{
			"embedded":  status.Embedded,
			"pending":   status.PendingEmbeddings,
			"dimension": status.Dimension,
			"provider":  s.app.Embedder.Provider(),
			"model":     s.app.Embedder.Model(),
			"breaker":   s.app.Embedder.State().String(),
		},
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// toMCPError maps an engine error kind onto an MCP error code
func toMCPError(message string, err error) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		code = ErrorCodeInvalidParams
	case errors.Is(err, types.ErrReferentialViolation):
		code = ErrorCodeReferentialViolation
	case errors.Is(err, types.ErrUnavailable):
		code = ErrorCodeUnavailable
	case errors.Is(err, indexer.ErrBackfillInProgress):
		code = ErrorCodeBackfillInProgress
	}
	return newMCPError(code, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// requireInt extracts an integer parameter. JSON numbers arrive as float64
// and fractions are truncated toward zero, so a score of 7.5 is stored as 7.
func requireInt(args map[string]interface{}, key string) (int64, error) {
	switch v := args[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
			break
		}
		return int64(math.Trunc(v)), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case nil:
		return 0, newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing",
		})
	}
	return 0, newMCPError(ErrorCodeInvalidParams, key+" must be an integer", map[string]interface{}{
		"param": key,
		"value": args[key],
	})
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}
