// Gridpilot is a spreadsheet copilot service.
//
// It runs an LLM-driven turn loop over a workbook, gates every mutating
// action behind human approval, and keeps a batched undo ledger so any
// applied change can be reverted. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	gridpilot serve        Start the API server
//	gridpilot version      Print version and build information
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gridpilot/gridpilot/internal/agent"
	"github.com/gridpilot/gridpilot/internal/buildinfo"
	"github.com/gridpilot/gridpilot/internal/config"
	"github.com/gridpilot/gridpilot/internal/events"
	"github.com/gridpilot/gridpilot/internal/executor"
	"github.com/gridpilot/gridpilot/internal/gate"
	"github.com/gridpilot/gridpilot/internal/ledger"
	"github.com/gridpilot/gridpilot/internal/llm"
	"github.com/gridpilot/gridpilot/internal/sheet"
	"github.com/gridpilot/gridpilot/internal/store"
	"github.com/gridpilot/gridpilot/internal/tools"
	"github.com/gridpilot/gridpilot/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the startup-to-shutdown lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the gridpilot command. Arguments are
// parsed by hand; the flag package relies on package-level globals
// which interfere with calling run() concurrently from tests, and the
// argument surface here is two flags and a subcommand.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s (try -help)", args[i])
		}
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "", "serve":
		return serve(ctx, stdout, configPath)
	default:
		return fmt.Errorf("unknown command: %s (try -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `gridpilot - spreadsheet copilot service

Usage:
  gridpilot [-config path] serve     Start the API server
  gridpilot version                  Print version and build information
`)
	return nil
}

func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
	}
	logger := newLogger(stdout, level)
	logger.Info("starting", "build", buildinfo.String(), "config", path)

	// Conversation store and undo ledger share one database. A failure
	// to open the file degrades to an in-process database: the session
	// keeps working, history just does not survive a restart.
	db, err := store.OpenDB(filepath.Join(cfg.DataDir, "gridpilot.db"))
	if err != nil {
		logger.Warn("database unavailable, falling back to in-memory storage", "error", err)
		db, err = sql.Open("sqlite3", ":memory:")
		if err != nil {
			return fmt.Errorf("open fallback database: %w", err)
		}
		db.SetMaxOpenConns(1)
	}
	defer db.Close()

	bus := events.New()

	led, err := ledger.New(db, logger, bus)
	if err != nil {
		return fmt.Errorf("init undo ledger: %w", err)
	}
	st, err := store.NewSQLite(db)
	if err != nil {
		return fmt.Errorf("init conversation store: %w", err)
	}

	var book *sheet.Memory
	if cfg.Document.Path != "" {
		book, err = sheet.OpenFile(cfg.Document.Path)
		if err != nil {
			return fmt.Errorf("open workbook %s: %w", cfg.Document.Path, err)
		}
		logger.Info("workbook loaded", "path", cfg.Document.Path)
	} else {
		book = sheet.NewMemory("untitled.json")
		logger.Info("no workbook configured, starting empty")
	}

	exec := executor.New(book, logger)
	g := gate.New(exec, led, logger, bus)
	reg := tools.NewRegistry(book)

	client := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	if err := client.Ping(ctx); err != nil {
		// The service still starts; turns will surface model errors as
		// assistant messages.
		logger.Warn("model endpoint unreachable", "base_url", cfg.OpenAI.BaseURL, "error", err)
	}

	session := agent.New(st, g, led, client, reg, book, bus, logger, agent.Config{
		Model:          cfg.OpenAI.Model,
		ConfirmActions: cfg.ConfirmActions(),
		MaxRounds:      cfg.MaxRounds(),
	})

	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, session, g, led, exec, st, bus, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		session.Cancel()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("gridpilot stopped")
	return nil
}

// newLogger creates a structured logger writing to w at the given
// level. All log output goes through slog.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
