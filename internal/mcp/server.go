package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/bookfinder/internal/app"
	"github.com/dshills/bookfinder/internal/logging"
)

const (
	// ServerName is the MCP server name
	ServerName = "bookfinder"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp    *server.MCPServer
	app    *app.App
	logger zerolog.Logger
}

// NewServer creates a new MCP server over the application services
func NewServer(a *app.App) *Server {
	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		app:    a,
		logger: logging.Component("mcp"),
	}
	s.registerTools()
	return s
}

// Serve runs the MCP server on stdio and blocks until stdin closes or ctx is done
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Str("name", ServerName).Str("version", ServerVersion).Msg("serving MCP on stdio")
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchBooksTool(), s.handleSearchBooks)
	s.mcp.AddTool(rateBookTool(), s.handleRateBook)
	s.mcp.AddTool(backfillEmbeddingsTool(), s.handleBackfillEmbeddings)
	s.mcp.AddTool(catalogStatusTool(), s.handleCatalogStatus)
}
