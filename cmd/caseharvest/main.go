// Command caseharvest downloads arbitration case documents in bulk,
// verifies them, and extracts page metadata.
//
// Usage:
//
//	caseharvest -config harvest.yaml -tasks cases.json     # full run
//	caseharvest -db h.db -docs-dir docs -tasks cases.json  # run with defaults
//	caseharvest -db h.db -tasks cases.json -incremental    # new tasks only
//	caseharvest -db h.db -skip-fetch                       # metadata only
//	caseharvest -db h.db -stats                            # show counts and exit
//	caseharvest -db h.db -results out.jsonl -table out.csv # write reports and exit
//	caseharvest -db h.db -force-retry 2020_arb_20_14_award # reset a task, then run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/caseharvest/harvest"
)

func main() {
	configPath := flag.String("config", "", "path to harvest.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite ledger database")
	docsDir := flag.String("docs-dir", "", "directory for downloaded documents")
	tasksPath := flag.String("tasks", "", "path to JSON task file")
	limit := flag.Int("limit", 0, "register at most N tasks (0 = all)")
	incremental := flag.Bool("incremental", false, "skip the self-heal pass over recorded successes")
	skipFetch := flag.Bool("skip-fetch", false, "skip the download stage")
	skipMetadata := flag.Bool("skip-metadata", false, "skip the page metadata stage")
	budget := flag.Duration("budget", 0, "wall-clock budget for the run (0 = unbounded)")
	forceRetry := flag.String("force-retry", "", "comma-separated task keys to reset before the run")
	showStats := flag.Bool("stats", false, "show per-status counts and exit")
	resultsPath := flag.String("results", "", "write the result log (JSONL) to this path and exit")
	tablePath := flag.String("table", "", "write the metadata table (CSV) to this path and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := runFlags{
		tasksPath:    *tasksPath,
		limit:        *limit,
		incremental:  *incremental,
		skipFetch:    *skipFetch,
		skipMetadata: *skipMetadata,
		budget:       *budget,
		forceRetry:   *forceRetry,
		showStats:    *showStats,
		resultsPath:  *resultsPath,
		tablePath:    *tablePath,
	}
	if err := run(ctx, logger, *configPath, *dbPath, *docsDir, opts); err != nil {
		logger.Error("caseharvest: fatal", "error", err)
		os.Exit(1)
	}
}

type runFlags struct {
	tasksPath    string
	limit        int
	incremental  bool
	skipFetch    bool
	skipMetadata bool
	budget       time.Duration
	forceRetry   string
	showStats    bool
	resultsPath  string
	tablePath    string
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, docsDir string, f runFlags) error {
	cfg, err := resolveConfig(configPath, dbPath, docsDir)
	if err != nil {
		return err
	}

	h, err := harvest.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer h.Close()

	// One-shot: stats.
	if f.showStats {
		stats, err := h.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	// One-shot: reports.
	if f.resultsPath != "" || f.tablePath != "" {
		return writeReports(ctx, h, f.resultsPath, f.tablePath)
	}

	if f.forceRetry != "" {
		keys := strings.Split(f.forceRetry, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
		if err := h.ForceRetry(ctx, keys); err != nil {
			return fmt.Errorf("force-retry: %w", err)
		}
	}

	if f.tasksPath != "" {
		if _, err := h.LoadTasks(ctx, f.tasksPath, f.limit); err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
	}

	report, err := h.Run(ctx, harvest.RunOptions{
		SkipFetch:    f.skipFetch,
		SkipMetadata: f.skipMetadata,
		Incremental:  f.incremental,
		Budget:       f.budget,
	})
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil && err == nil {
			err = encErr
		}
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		logger.Info("caseharvest: run stopped early", "reason", err)
		return nil
	}
	return err
}

func writeReports(ctx context.Context, h *harvest.Harvester, resultsPath, tablePath string) error {
	if resultsPath != "" {
		out, err := os.Create(resultsPath)
		if err != nil {
			return err
		}
		if err := h.WriteResultLog(ctx, out); err != nil {
			out.Close()
			return fmt.Errorf("result log: %w", err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	if tablePath != "" {
		out, err := os.Create(tablePath)
		if err != nil {
			return err
		}
		if err := h.WriteMetadataCSV(ctx, out); err != nil {
			out.Close()
			return fmt.Errorf("metadata table: %w", err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

func resolveConfig(configPath, dbPath, docsDir string) (*harvest.Config, error) {
	if configPath != "" {
		cfg, err := harvest.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if docsDir != "" {
			cfg.DocsDir = docsDir
		}
		return cfg, nil
	}

	cfg := &harvest.Config{}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if docsDir != "" {
		cfg.DocsDir = docsDir
	}

	if cfg.DBPath == "" {
		fmt.Fprintln(os.Stderr, "usage: caseharvest -config <file> | -db <path> [-tasks <file>] [-stats]")
		os.Exit(1)
	}
	return cfg, nil
}
