package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/dshills/bookfinder/internal/app"
	"github.com/dshills/bookfinder/internal/config"
	"github.com/dshills/bookfinder/internal/httpapi"
	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/mcp"
	"github.com/dshills/bookfinder/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage: bookfinder [--config path] <command> [flags]

Commands:
  serve          Serve MCP tools on stdio
  http           Serve the HTTP API
  backfill       Embed every title that has no vector yet
  enrich-users   Generate name, email and password hash for users without an email
  status         Print catalog counts
  version        Print build information
`

func main() {
	global := flag.NewFlagSet("bookfinder", flag.ExitOnError)
	configPath := global.String("config", "", "path to YAML config file (default $BOOKFINDER_CONFIG or ./bookfinder.yaml)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}
	if args[0] == "version" || args[0] == "--version" {
		printVersion()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bookfinder: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args[0], args[1:]); err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Str("command", args[0]).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string) error {
	logger := logging.Logger()
	logger.Info().
		Str("version", version).
		Str("build_mode", storage.BuildMode).
		Str("sqlite_driver", storage.DriverName).
		Bool("vector_extension", storage.VectorExtensionAvailable).
		Str("command", command).
		Msg("bookfinder starting")

	switch command {
	case "serve", "http", "backfill", "enrich-users", "status":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}()

	switch command {
	case "serve":
		err = mcp.NewServer(a).Serve(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case "http":
		err = httpapi.NewServer(a, cfg.HTTP).ListenAndServe(ctx)
	case "backfill":
		err = runBackfill(ctx, a, args)
	case "enrich-users":
		err = printJSON(a.Enricher.Run(ctx))
	case "status":
		err = printJSON(a.Status(ctx))
	}
	if err == nil {
		logger.Info().Str("command", command).Msg("bookfinder stopped")
	}
	return err
}

func runBackfill(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	batchSize := fs.Int("batch-size", a.Config.Backfill.BatchSize, "titles per provider call")
	maxBatches := fs.Int("max-batches", 0, "stop after this many batches (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.Component("backfill")
	return printJSON(a.Backfill(ctx, indexer.Options{
		BatchSize:  *batchSize,
		MaxBatches: *maxBatches,
		Progress: func(p indexer.Progress) {
			logger.Info().
				Str("run_id", p.RunID).
				Int("batch", p.Batch+1).
				Int("of", p.TotalBatches).
				Int("written", p.Written).
				Bool("failed", p.Failed).
				Msg("batch done")
		},
	}))
}

// printJSON writes v to stdout, or returns err if set
func printJSON(v any, err error) error {
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printVersion() {
	fmt.Printf("bookfinder\n")
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Build Time: %s\n", buildTime)
	fmt.Printf("Build Mode: %s\n", storage.BuildMode)
	fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
	fmt.Printf("Vector Extension: %v\n", storage.VectorExtensionAvailable)
}
