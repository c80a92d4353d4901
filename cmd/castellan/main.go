// Command castellan runs the scheduling assistant server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mkrall/castellan/internal/api"
	"github.com/mkrall/castellan/internal/buildinfo"
	"github.com/mkrall/castellan/internal/calendar"
	"github.com/mkrall/castellan/internal/config"
	"github.com/mkrall/castellan/internal/events"
	"github.com/mkrall/castellan/internal/ledger"
	"github.com/mkrall/castellan/internal/llm"
	"github.com/mkrall/castellan/internal/memory"
	"github.com/mkrall/castellan/internal/orchestrator"
	"github.com/mkrall/castellan/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

const systemPrompt = `You are Castellan, a personal scheduling assistant. You manage the user's calendar and reminders, and you remember their preferences across conversations. Be concise and concrete. Use the scheduling tools for anything calendar-related rather than guessing; never invent events. When a scheduling conflict is reported, relay it to the user and wait for their decision.`

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the castellan command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interfere with calling run concurrently from tests, and the
// argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `castellan - conversational scheduling assistant

Usage:
  castellan [flags] <command>

Commands:
  serve      Start the API server
  version    Print build information

Flags:
  -config <path>   Config file (default: search ./config.yaml,
                   ~/.config/castellan/config.yaml, /etc/castellan/config.yaml)
  -o <format>      Output format for version: text or json
`)
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Castellan",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure logging now the desired level is known.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Model.Name)

	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is not configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ledgerStore, err := ledger.NewStore(cfg.LedgerPath(), int64(cfg.Ledger.GrantOnFirstSeen))
	if err != nil {
		return fmt.Errorf("open ledger database %s: %w", cfg.LedgerPath(), err)
	}
	defer ledgerStore.Close()
	logger.Info("ledger database opened", "path", cfg.LedgerPath())

	memStore, err := memory.NewStore(cfg.MemoryPath())
	if err != nil {
		return fmt.Errorf("open memory database %s: %w", cfg.MemoryPath(), err)
	}
	defer memStore.Close()
	logger.Info("memory database opened", "path", cfg.MemoryPath())

	registry := tools.NewRegistry(logger)
	memory.RegisterTools(registry, memStore)

	if cfg.CalDAV.URL != "" {
		backend, err := calendar.NewCalDAV(cfg.CalDAV, logger)
		if err != nil {
			return fmt.Errorf("connect caldav: %w", err)
		}
		calendar.RegisterTools(registry, backend)
		logger.Info("calendar backend configured", "url", cfg.CalDAV.URL)

		pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := backend.Ping(pingCtx); err != nil {
			logger.Warn("calendar backend unreachable at startup", "error", err)
		}
		pingCancel()
	} else {
		logger.Warn("caldav not configured - scheduling tools are unavailable")
	}

	gateway := llm.NewAnthropicGateway(cfg.Anthropic.APIKey, cfg.Model.Name, cfg.Model.MaxTokens, logger)
	bus := events.NewBus()

	loop := orchestrator.New(orchestrator.Options{
		Gateway:       gateway,
		Registry:      registry,
		Ledger:        ledgerStore,
		Bus:           bus,
		Logger:        logger,
		SystemPrompt:  systemPrompt,
		Model:         cfg.Model.Name,
		MaxIterations: cfg.Loop.MaxIterations,
		ModelTimeout:  cfg.Loop.ModelTimeout(),
	})

	server := api.NewServer(api.Options{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Loop:      loop,
		Ledger:    ledgerStore,
		Bus:       bus,
		Logger:    logger,
		Heartbeat: cfg.Loop.HeartbeatInterval(),
	})

	// SIGINT/SIGTERM cancellation flows through the same ctx used by all
	// components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
