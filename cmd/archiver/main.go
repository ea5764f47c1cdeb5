// Kline Archiver CLI
// This application maintains a columnar archive of Binance spot klines: it
// backfills full history, runs incremental updates that resume from the last
// stored candle, and manages the resulting parquet dataset.
//
// Usage:
//
//	archiver backfill
//	archiver update --hourly
//	archiver update --symbols BTCUSDT,ETHUSDT --timeframes 1h
//	archiver status
//	archiver reset --confirm
//
// For detailed help on any command, use: archiver <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klinehub/go-kline-archiver/internal/collector"
	"github.com/klinehub/go-kline-archiver/internal/config"
	"github.com/klinehub/go-kline-archiver/internal/exchange"
	"github.com/klinehub/go-kline-archiver/internal/gaps"
	"github.com/klinehub/go-kline-archiver/internal/logger"
	"github.com/klinehub/go-kline-archiver/internal/models"
	"github.com/klinehub/go-kline-archiver/internal/storage"
)

const (
	Version    = "1.0.0"
	AppName    = "archiver"
	ConfigFile = "archiver.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI holds the wired application components.
type CLI struct {
	config       *config.AppConfig
	logManager   *logger.Manager
	logger       *slog.Logger
	fetcher      *exchange.BinanceFetcher
	store        storage.SeriesStore
	orchestrator *collector.Orchestrator
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	// Commands that need no wiring.
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	cli := &CLI{}
	if err := cli.initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.close()

	var err error
	switch command {
	case "backfill":
		err = cli.handleBackfill(ctx, args)
	case "update":
		err = cli.handleUpdate(ctx, args)
	case "status":
		err = cli.handleStatus(ctx, args)
	case "reset":
		err = cli.handleReset(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		if ctx.Err() != nil {
			cli.logger.Warn("Interrupted", "command", command)
			cli.close()
			os.Exit(ExitInterrupt)
		}
		cli.logger.Error("Command failed", "command", command, "error", err)
		cli.close()
		os.Exit(exitCodeFor(err))
	}
}

// initialize loads configuration and wires the exchange client, store, and
// orchestrator.
func (cli *CLI) initialize() error {
	configPath := ConfigFile
	if v := os.Getenv("ARCHIVER_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logManager = logManager
	cli.logger = logManager.Logger()

	timeout, _ := cfg.HTTPTimeout()
	retryDelay, _ := cfg.RetryDelay()
	spacing, _ := cfg.RequestSpacing()

	cli.fetcher = exchange.NewBinanceFetcher(exchange.BinanceConfig{
		BaseURL:        cfg.Exchange.BaseURL,
		Timeout:        timeout,
		RetryAttempts:  cfg.Exchange.RetryAttempts,
		RetryDelay:     retryDelay,
		RequestSpacing: spacing,
		Logger:         logManager.Component("exchange"),
	})

	store, err := createStore(cfg, logManager)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	cli.store = store

	startTime, _ := cfg.StartTime()
	rc := collector.NewRangeCollector(cli.fetcher, cfg.Exchange.PageLimit, logManager.Component("collector"))
	cli.orchestrator = collector.NewOrchestrator(rc, store, collector.Config{
		StartTime:        startTime,
		PersistBatchSize: cfg.Archive.PersistBatchSize,
		Logger:           logManager.Component("orchestrator"),
	})

	return nil
}

func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("Failed to close store", "error", err)
		}
		cli.store = nil
	}
	if cli.logManager != nil {
		cli.logManager.Close()
		cli.logManager = nil
	}
}

// createStore builds the configured dataset store backend.
func createStore(cfg *config.AppConfig, logManager *logger.Manager) (storage.SeriesStore, error) {
	switch cfg.Storage.Type {
	case "parquet":
		return storage.NewParquetStore(cfg.Storage.DataDir, cfg.Storage.Prefix, logManager.Component("storage"))
	case "hub":
		return storage.NewHubStore(storage.HubConfig{
			BaseURL:  cfg.Storage.HubBaseURL,
			Repo:     cfg.Storage.HubRepo,
			Token:    cfg.Storage.HubToken,
			Prefix:   cfg.Storage.Prefix,
			SpoolDir: cfg.Storage.DataDir,
			Logger:   logManager.Component("storage"),
		})
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// connectionError wraps exchange reachability failures so main can map them
// to the right exit code.
type connectionError struct{ err error }

func (e *connectionError) Error() string { return e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var connErr *connectionError
	if errors.As(err, &connErr) {
		return ExitConnectionErr
	}
	return ExitDataError
}

// handleBackfill collects the full configured history for every key, flushing
// writes in batches.
func (cli *CLI) handleBackfill(ctx context.Context, args []string) error {
	flags, err := parseMatrixFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("backfill")
		return nil
	}

	keys, err := cli.buildKeys(flags.Symbols, flags.Timeframes)
	if err != nil {
		return err
	}

	if err := cli.fetcher.HealthCheck(ctx); err != nil {
		return &connectionError{err: fmt.Errorf("exchange unreachable: %w", err)}
	}

	cli.logger.Info("Starting backfill",
		"keys", len(keys),
		"start_time", cli.config.Archive.StartTime)

	summary, err := cli.orchestrator.Backfill(ctx, keys)
	printSummary("Backfill", summary)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d keys failed", summary.Failed, len(keys))
	}
	return nil
}

// handleUpdate runs an incremental pass: each key resumes from the candle
// after its last stored open time.
func (cli *CLI) handleUpdate(ctx context.Context, args []string) error {
	flags, err := parseUpdateFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("update")
		return nil
	}

	symbols := flags.Symbols
	switch {
	case flags.Hourly:
		symbols = cli.config.GroupForHour(time.Now().UTC().Hour())
	case flags.Group >= 0:
		groups := cli.config.SymbolGroups()
		if flags.Group >= len(groups) {
			return fmt.Errorf("group %d out of range, have %d groups", flags.Group, len(groups))
		}
		symbols = groups[flags.Group]
	}

	keys, err := cli.buildKeys(symbols, flags.Timeframes)
	if err != nil {
		return err
	}

	if err := cli.fetcher.HealthCheck(ctx); err != nil {
		return &connectionError{err: fmt.Errorf("exchange unreachable: %w", err)}
	}

	cli.logger.Info("Starting update", "keys", len(keys))

	summary, err := cli.orchestrator.ProcessAll(ctx, keys)
	if err != nil {
		printSummary("Update", summary)
		return err
	}

	if summary.Failed > 0 && flags.Retry {
		cli.logger.Info("Retrying failed keys", "count", summary.Failed)
		retry, retryErr := cli.orchestrator.RetryFailed(ctx, summary)
		if retryErr != nil {
			printSummary("Update", summary)
			return retryErr
		}
		summary.Fold(retry)
	}

	printSummary("Update", summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d keys failed", summary.Failed, len(keys))
	}
	return nil
}

// handleStatus lists the stored dataset: one row per key with row count and
// coverage, optionally with gap analysis.
func (cli *CLI) handleStatus(ctx context.Context, args []string) error {
	showGaps := false
	for _, arg := range args {
		switch arg {
		case "--gaps", "-g":
			showGaps = true
		case "--help", "-h":
			printCommandHelp("status")
			return nil
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	keys, err := cli.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored keys: %w", err)
	}

	if len(keys) == 0 {
		fmt.Println("Dataset is empty. Run 'archiver backfill' to populate it.")
		return nil
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	fmt.Printf("%-15s %-10s %-10s %-20s %-20s\n",
		"Symbol", "Timeframe", "Rows", "First Open", "Last Open")
	fmt.Println(strings.Repeat("-", 80))

	for _, key := range keys {
		series, err := cli.store.Get(ctx, key)
		if err != nil {
			cli.logger.Warn("Failed to read series", "key", key.String(), "error", err)
			continue
		}

		first, last := "-", "-"
		if f := series.First(); f != nil {
			first = f.OpenTime.UTC().Format("2006-01-02 15:04")
		}
		if l := series.Last(); l != nil {
			last = l.OpenTime.UTC().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-15s %-10s %-10d %-20s %-20s\n",
			key.Symbol, key.Timeframe, len(series), first, last)

		if showGaps {
			for _, gap := range gaps.Detect(key, series) {
				fmt.Printf("    gap: %d candles missing in [%s, %s)\n",
					gap.MissingRows,
					gap.Start.UTC().Format("2006-01-02 15:04"),
					gap.End.UTC().Format("2006-01-02 15:04"))
			}
		}
	}

	return nil
}

// handleReset deletes the whole dataset. Refuses to run without --confirm.
func (cli *CLI) handleReset(ctx context.Context, args []string) error {
	confirmed := false
	for _, arg := range args {
		switch arg {
		case "--confirm", "-y":
			confirmed = true
		case "--help", "-h":
			printCommandHelp("reset")
			return nil
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if !confirmed {
		fmt.Fprintf(os.Stderr, "reset deletes every stored series. Re-run with --confirm to proceed.\n")
		return fmt.Errorf("reset not confirmed")
	}

	deleted, err := cli.store.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	for _, key := range deleted {
		fmt.Printf("  deleted %s\n", key)
	}
	fmt.Printf("Deleted %d series.\n", len(deleted))
	return nil
}

// buildKeys expands the symbol/timeframe matrix, with optional flag
// overrides narrowing the configured lists.
func (cli *CLI) buildKeys(symbols, timeframes []string) ([]models.FetchKey, error) {
	scoped := *cli.config
	if len(symbols) > 0 {
		scoped.Archive.Symbols = symbols
	}
	if len(timeframes) > 0 {
		scoped.Archive.Timeframes = timeframes
	}
	return scoped.Keys()
}

func printSummary(label string, summary *collector.Summary) {
	if summary == nil {
		return
	}

	fmt.Printf("%s run %s: %d succeeded, %d failed\n",
		label, summary.RunID, summary.Succeeded, summary.Failed)

	failed := summary.FailedKeys()
	sort.Slice(failed, func(i, j int) bool { return failed[i].String() < failed[j].String() })
	for _, key := range failed {
		res := summary.Results[key]
		fmt.Printf("  FAILED %s: %v\n", key, res.Err)
	}
}

// Flag structures for parsing command line arguments

// MatrixFlags narrows the configured (symbol, timeframe) matrix.
type MatrixFlags struct {
	Symbols    []string
	Timeframes []string
	Help       bool
}

// UpdateFlags configures an incremental update pass.
type UpdateFlags struct {
	MatrixFlags
	Group  int // -1 means no group selection
	Hourly bool
	Retry  bool
}

func parseMatrixFlags(args []string) (*MatrixFlags, error) {
	flags := &MatrixFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbols", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbols requires a value")
			}
			flags.Symbols = splitList(args[i+1])
			i++
		case "--timeframes", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframes requires a value")
			}
			flags.Timeframes = splitList(args[i+1])
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseUpdateFlags(args []string) (*UpdateFlags, error) {
	flags := &UpdateFlags{Group: -1}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbols", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbols requires a value")
			}
			flags.Symbols = splitList(args[i+1])
			i++
		case "--timeframes", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframes requires a value")
			}
			flags.Timeframes = splitList(args[i+1])
			i++
		case "--group", "-g":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--group requires a value")
			}
			group, err := strconv.Atoi(args[i+1])
			if err != nil || group < 0 {
				return nil, fmt.Errorf("invalid group value: %s", args[i+1])
			}
			flags.Group = group
			i++
		case "--hourly":
			flags.Hourly = true
		case "--retry", "-r":
			flags.Retry = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if flags.Hourly && flags.Group >= 0 {
		return nil, fmt.Errorf("--hourly and --group are mutually exclusive")
	}
	if (flags.Hourly || flags.Group >= 0) && len(flags.Symbols) > 0 {
		return nil, fmt.Errorf("--symbols cannot be combined with group selection")
	}

	return flags, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Help and usage functions

func printUsage() {
	fmt.Printf(`%s - Binance Kline Archiver v%s

USAGE:
    %s <command> [options]

COMMANDS:
    backfill    Collect full history for the configured symbol matrix
    update      Incremental update, resuming from the last stored candle
    status      Show stored series and their coverage
    reset       Delete every stored series (requires --confirm)

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Backfill the full configured matrix from the historical start
    %s backfill

    # Hourly incremental run over the current hour's symbol group
    %s update --hourly

    # Update two symbols at one timeframe, retrying failures once
    %s update --symbols BTCUSDT,ETHUSDT --timeframes 1h --retry

    # Inspect the stored dataset
    %s status

CONFIGURATION:
    Configuration is read from %s (JSON), overridable per setting via
    environment variables (SYMBOLS, TIMEFRAMES, STORAGE_TYPE, DATA_DIR, ...).
    Set ARCHIVER_CONFIG to use a different config file path.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

func printCommandHelp(command string) {
	switch command {
	case "backfill":
		fmt.Printf(`%s backfill - Collect full history

USAGE:
    %s backfill [options]

OPTIONS:
    --symbols, -s <list>      Comma-separated symbols (default: configured list)
    --timeframes, -t <list>   Comma-separated timeframes (default: configured list)
    --help, -h                Show this help message

EXAMPLES:
    # Backfill everything in the configured matrix
    %s backfill

    # Backfill one symbol at both configured timeframes
    %s backfill --symbols BTCUSDT

NOTES:
    - Keys with existing data resume at the last stored candle
    - Writes are flushed in batches (persist_batch_size)
    - A failed key never blocks the remaining keys
`, AppName, AppName, AppName, AppName)

	case "update":
		fmt.Printf(`%s update - Incremental update

USAGE:
    %s update [options]

OPTIONS:
    --symbols, -s <list>      Comma-separated symbols (default: configured list)
    --timeframes, -t <list>   Comma-separated timeframes (default: configured list)
    --group, -g <n>           Process only symbol group n
    --hourly                  Pick the symbol group for the current UTC hour
    --retry, -r               Re-run failed keys once at the end
    --help, -h                Show this help message

EXAMPLES:
    # Update the whole matrix
    %s update

    # Cron-friendly hourly run: each hour covers one symbol group
    %s update --hourly

    # Update group 1 explicitly
    %s update --group 1

NOTES:
    - Each key resumes at its last stored open time, so the tail candle is
      always re-fetched; if it was stored while still forming, the fresh
      copy supersedes the stored row on merge
`, AppName, AppName, AppName, AppName, AppName)

	case "status":
		fmt.Printf(`%s status - Show stored series

USAGE:
    %s status [options]

OPTIONS:
    --gaps, -g    Also scan each series for missing candles
    --help, -h    Show this help message

Prints one row per stored (symbol, timeframe) series with its row count and
open-time coverage. With --gaps, each series is additionally scanned for
holes in its timeframe grid.
`, AppName, AppName)

	case "reset":
		fmt.Printf(`%s reset - Delete the dataset

USAGE:
    %s reset --confirm

Deletes every stored series. Without --confirm the command refuses to run.
`, AppName, AppName)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
