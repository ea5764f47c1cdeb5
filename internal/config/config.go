// Package config provides centralized configuration for the kline archiver.
// Configuration is loaded in priority order: defaults, then a JSON file, then
// environment variables. The resulting AppConfig is treated as immutable and
// injected into components at construction.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// Default archive matrix, carried over from the production dataset: USDT
// spot pairs at 15-minute and hourly granularity.
var defaultSymbols = []string{
	"AAVEUSDT", "ADAUSDT", "ALGOUSDT", "ARBUSDT", "ATOMUSDT",
	"AVAXUSDT", "BCHUSDT", "BNBUSDT", "BTCUSDT", "DOGEUSDT",
	"DOTUSDT", "ETCUSDT", "ETHUSDT", "FILUSDT", "LINKUSDT",
	"LTCUSDT", "MATICUSDT", "NEARUSDT", "OPUSDT", "SOLUSDT",
	"UNIUSDT", "XRPUSDT",
}

var defaultTimeframes = []string{"15m", "1h"}

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`
	Version string `json:"version" env:"VERSION"`

	Exchange ExchangeConfig `json:"exchange"`
	Archive  ArchiveConfig  `json:"archive"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

// ExchangeConfig configures the Binance klines client and its retry policy.
type ExchangeConfig struct {
	BaseURL string `json:"base_url" env:"BINANCE_BASE_URL"` // REST base URL
	Timeout string `json:"timeout" env:"HTTP_TIMEOUT"`      // per-request timeout

	// PageLimit is the klines page size. The API maximum (1000) minimizes
	// round-trips and is the default.
	PageLimit int `json:"page_limit" env:"PAGE_LIMIT"`

	// RetryAttempts is the total attempt ceiling per page, RetryDelay the
	// fixed sleep between attempts. Tests override these with zero delays.
	RetryAttempts int    `json:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryDelay    string `json:"retry_delay" env:"RETRY_DELAY"`

	// RequestSpacing is the minimum delay between successive page requests,
	// keeping the sequential fetch loop under the exchange rate limit.
	RequestSpacing string `json:"request_spacing" env:"REQUEST_SPACING"`
}

// ArchiveConfig configures the (symbol, timeframe) matrix and time range.
type ArchiveConfig struct {
	Symbols    []string `json:"symbols" env:"SYMBOLS"`
	Timeframes []string `json:"timeframes" env:"TIMEFRAMES"`

	// StartTime is the global historical start for backfills, RFC 3339.
	StartTime string `json:"start_time" env:"START_TIME"`

	// PersistBatchSize bounds how many merged series accumulate locally
	// before a batch of writes is flushed during a backfill.
	PersistBatchSize int `json:"persist_batch_size" env:"PERSIST_BATCH_SIZE"`

	// GroupSize splits the symbol list into fixed groups for hourly
	// incremental runs; 0 disables grouping.
	GroupSize int `json:"group_size" env:"GROUP_SIZE"`
}

// StorageConfig configures the dataset store backend.
type StorageConfig struct {
	Type string `json:"type" env:"STORAGE_TYPE"` // "parquet", "hub", "memory"

	// DataDir is the root of the local parquet tree (parquet backend) or
	// the spool directory (hub backend).
	DataDir string `json:"data_dir" env:"DATA_DIR"`

	// Prefix is the directory prefix inside the dataset repository.
	Prefix string `json:"prefix" env:"DATASET_PREFIX"`

	// Hub backend settings.
	HubBaseURL string `json:"hub_base_url" env:"HUB_BASE_URL"`
	HubRepo    string `json:"hub_repo" env:"HUB_REPO"`
	HubToken   string `json:"hub_token,omitempty" env:"HUB_TOKEN"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "kline-archiver",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.binance.com",
			Timeout:        "15s",
			PageLimit:      1000,
			RetryAttempts:  3,
			RetryDelay:     "2s",
			RequestSpacing: "200ms",
		},
		Archive: ArchiveConfig{
			Symbols:          append([]string(nil), defaultSymbols...),
			Timeframes:       append([]string(nil), defaultTimeframes...),
			StartTime:        "2017-08-01T00:00:00Z",
			PersistBatchSize: 20,
			GroupSize:        10,
		},
		Storage: StorageConfig{
			Type:       "parquet",
			DataDir:    "data",
			Prefix:     "klines",
			HubBaseURL: "",
			HubRepo:    "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file, and
// environment variables, then validates the result.
func Load(configPath string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *AppConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

func loadFromEnv(cfg *AppConfig) {
	if v := os.Getenv("APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("HTTP_TIMEOUT"); v != "" {
		cfg.Exchange.Timeout = v
	}
	if v := os.Getenv("PAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.PageLimit = n
		}
	}
	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.RetryAttempts = n
		}
	}
	if v := os.Getenv("RETRY_DELAY"); v != "" {
		cfg.Exchange.RetryDelay = v
	}
	if v := os.Getenv("REQUEST_SPACING"); v != "" {
		cfg.Exchange.RequestSpacing = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Archive.Symbols = splitList(v)
	}
	if v := os.Getenv("TIMEFRAMES"); v != "" {
		cfg.Archive.Timeframes = splitList(v)
	}
	if v := os.Getenv("START_TIME"); v != "" {
		cfg.Archive.StartTime = v
	}
	if v := os.Getenv("PERSIST_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.PersistBatchSize = n
		}
	}
	if v := os.Getenv("GROUP_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.GroupSize = n
		}
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("DATASET_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("HUB_BASE_URL"); v != "" {
		cfg.Storage.HubBaseURL = v
	}
	if v := os.Getenv("HUB_REPO"); v != "" {
		cfg.Storage.HubRepo = v
	}
	if v := os.Getenv("HUB_TOKEN"); v != "" {
		cfg.Storage.HubToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("LOG_FILE_PATH"); v != "" {
		cfg.Logging.FilePath = v
	}
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

// Validate checks the configuration for structural problems.
func (c *AppConfig) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange base URL cannot be empty")
	}
	if c.Exchange.PageLimit <= 0 || c.Exchange.PageLimit > 1000 {
		return fmt.Errorf("page limit must be in (0, 1000], got %d", c.Exchange.PageLimit)
	}
	if c.Exchange.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Exchange.RetryAttempts)
	}
	if _, err := c.HTTPTimeout(); err != nil {
		return fmt.Errorf("invalid HTTP timeout: %w", err)
	}
	if _, err := c.RetryDelay(); err != nil {
		return fmt.Errorf("invalid retry delay: %w", err)
	}
	if _, err := c.RequestSpacing(); err != nil {
		return fmt.Errorf("invalid request spacing: %w", err)
	}

	if len(c.Archive.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if len(c.Archive.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}
	for _, tf := range c.Archive.Timeframes {
		if _, err := models.ParseTimeframe(tf); err != nil {
			return err
		}
	}
	if _, err := c.StartTime(); err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	if c.Archive.PersistBatchSize < 1 {
		return fmt.Errorf("persist batch size must be at least 1, got %d", c.Archive.PersistBatchSize)
	}
	if c.Archive.GroupSize < 0 {
		return fmt.Errorf("group size must not be negative, got %d", c.Archive.GroupSize)
	}

	switch c.Storage.Type {
	case "parquet", "memory":
	case "hub":
		if c.Storage.HubBaseURL == "" || c.Storage.HubRepo == "" {
			return fmt.Errorf("hub storage requires hub_base_url and hub_repo")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}

	return nil
}

// HTTPTimeout returns the parsed per-request timeout.
func (c *AppConfig) HTTPTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Exchange.Timeout)
}

// RetryDelay returns the parsed fixed delay between retry attempts.
func (c *AppConfig) RetryDelay() (time.Duration, error) {
	return time.ParseDuration(c.Exchange.RetryDelay)
}

// RequestSpacing returns the parsed minimum inter-request delay.
func (c *AppConfig) RequestSpacing() (time.Duration, error) {
	return time.ParseDuration(c.Exchange.RequestSpacing)
}

// StartTime returns the parsed global historical start.
func (c *AppConfig) StartTime() (time.Time, error) {
	return time.Parse(time.RFC3339, c.Archive.StartTime)
}

// Keys expands the symbol/timeframe matrix into the full ordered key set.
func (c *AppConfig) Keys() ([]models.FetchKey, error) {
	keys := make([]models.FetchKey, 0, len(c.Archive.Symbols)*len(c.Archive.Timeframes))
	for _, symbol := range c.Archive.Symbols {
		for _, tf := range c.Archive.Timeframes {
			parsed, err := models.ParseTimeframe(tf)
			if err != nil {
				return nil, err
			}
			key := models.FetchKey{Symbol: strings.ToUpper(symbol), Timeframe: parsed}
			if err := key.Validate(); err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// SymbolGroups splits the symbol list into GroupSize-sized groups for hourly
// runs. With grouping disabled it returns a single group with all symbols.
func (c *AppConfig) SymbolGroups() [][]string {
	size := c.Archive.GroupSize
	if size <= 0 || size >= len(c.Archive.Symbols) {
		return [][]string{append([]string(nil), c.Archive.Symbols...)}
	}

	var groups [][]string
	for start := 0; start < len(c.Archive.Symbols); start += size {
		end := start + size
		if end > len(c.Archive.Symbols) {
			end = len(c.Archive.Symbols)
		}
		groups = append(groups, c.Archive.Symbols[start:end])
	}
	return groups
}

// GroupForHour maps an hour-of-day onto a symbol group, cycling through the
// groups so consecutive hourly runs cover the whole matrix.
func (c *AppConfig) GroupForHour(hour int) []string {
	groups := c.SymbolGroups()
	idx := hour % len(groups)
	if idx < 0 {
		idx += len(groups)
	}
	return groups[idx]
}
