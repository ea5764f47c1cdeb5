package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// ParquetStore persists each series as one snappy-compressed parquet file at
// <dataDir>/<prefix>/<SYMBOL>/<BASE>_<tf>.parquet. DuckDB does the columnar
// encode/decode; an in-memory database is enough since the files themselves
// are the durable state.
//
// Writes are staged to a temporary file and renamed into place, so a failed
// put never corrupts the previously stored series.
type ParquetStore struct {
	db      *sql.DB
	dataDir string
	prefix  string
	logger  *slog.Logger

	// DuckDB is used through a single connection; the stage table is shared.
	mu sync.Mutex
}

const stageTable = "kline_stage"

// NewParquetStore opens an in-memory DuckDB session with the parquet
// extension loaded and ensures the dataset directory exists.
func NewParquetStore(dataDir, prefix string, logger *slog.Logger) (*ParquetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB session: %w", err)
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"INSTALL parquet", "LOAD parquet"} {
		if _, err := db.Exec(stmt); err != nil {
			logger.Warn("failed to prepare parquet extension", "stmt", stmt, "error", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(dataDir, prefix), 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}

	return &ParquetStore{
		db:      db,
		dataDir: dataDir,
		prefix:  prefix,
		logger:  logger,
	}, nil
}

// Path returns the absolute file path for a key.
func (p *ParquetStore) Path(key models.FetchKey) string {
	return filepath.Join(p.dataDir, FilePath(p.prefix, key))
}

// Get implements SeriesStore.Get by reading the key's parquet file.
func (p *ParquetStore) Get(ctx context.Context, key models.FetchKey) (models.Series, error) {
	path := p.Path(key)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, NewStorageError("get", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	query := `
		SELECT open_time, open, high, low, close, volume, close_time,
		       quote_asset_volume, number_of_trades,
		       taker_buy_base_asset_volume, taker_buy_quote_asset_volume
		FROM read_parquet(?)
		ORDER BY open_time`

	rows, err := p.db.QueryContext(ctx, query, path)
	if err != nil {
		return nil, NewStorageError("get", key, err)
	}
	defer rows.Close()

	var series models.Series
	for rows.Next() {
		var (
			k                           models.Kline
			openT, closeT               time.Time
			open, high, low, closePrice float64
			volume, quoteVol            float64
			takerBuyBase, takerBuyQuote float64
		)
		if err := rows.Scan(&openT, &open, &high, &low, &closePrice, &volume,
			&closeT, &quoteVol, &k.TradeCount, &takerBuyBase, &takerBuyQuote); err != nil {
			return nil, NewStorageError("get", key, err)
		}

		k.OpenTime = openT.UTC()
		k.CloseTime = closeT.UTC()
		k.Open = formatPrice(open)
		k.High = formatPrice(high)
		k.Low = formatPrice(low)
		k.Close = formatPrice(closePrice)
		k.Volume = formatPrice(volume)
		k.QuoteVolume = formatPrice(quoteVol)
		k.TakerBuyBaseVolume = formatPrice(takerBuyBase)
		k.TakerBuyQuoteVolume = formatPrice(takerBuyQuote)
		series = append(series, k)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("get", key, err)
	}

	return series, nil
}

// Put implements SeriesStore.Put: stage the rows in DuckDB via the Appender
// API, copy them out as parquet to a temporary file, then rename over the
// previous file.
func (p *ParquetStore) Put(ctx context.Context, key models.FetchKey, series models.Series) error {
	if err := key.Validate(); err != nil {
		return NewStorageError("put", key, err)
	}
	if err := series.Validate(); err != nil {
		return NewStorageError("put", key, err)
	}

	path := p.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewStorageError("put", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.stageSeries(ctx, key, series); err != nil {
		return err
	}
	defer p.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+stageTable)

	tmpPath := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	copyStmt := fmt.Sprintf(
		"COPY (SELECT * FROM %s ORDER BY open_time) TO '%s' (FORMAT PARQUET, COMPRESSION SNAPPY)",
		stageTable, sqlEscape(tmpPath))
	if _, err := p.db.ExecContext(ctx, copyStmt); err != nil {
		os.Remove(tmpPath)
		return NewStorageError("put", key, fmt.Errorf("parquet copy failed: %w", err))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return NewStorageError("put", key, err)
	}

	p.logger.Debug("series persisted",
		"key", key.String(),
		"rows", len(series),
		"path", path)
	return nil
}

// stageSeries loads the series into a fresh stage table using the DuckDB
// appender (bulk insert, no statement parsing per row).
func (p *ParquetStore) stageSeries(ctx context.Context, key models.FetchKey, series models.Series) error {
	if _, err := p.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+stageTable); err != nil {
		return NewStorageError("put", key, err)
	}

	createStmt := fmt.Sprintf(`
		CREATE TABLE %s (
			open_time TIMESTAMP NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			close_time TIMESTAMP NOT NULL,
			quote_asset_volume DOUBLE NOT NULL,
			number_of_trades BIGINT NOT NULL,
			taker_buy_base_asset_volume DOUBLE NOT NULL,
			taker_buy_quote_asset_volume DOUBLE NOT NULL
		)`, stageTable)
	if _, err := p.db.ExecContext(ctx, createStmt); err != nil {
		return NewStorageError("put", key, err)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return NewStorageError("put", key, err)
	}
	defer conn.Close()

	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc interface{}) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return NewStorageError("put", key, err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", stageTable)
	if err != nil {
		return NewStorageError("put", key, err)
	}

	for i := range series {
		k := &series[i]
		row, convErr := appendRow(k)
		if convErr != nil {
			appender.Close()
			return NewStorageError("put", key, fmt.Errorf("row %d: %w", i, convErr))
		}
		if err := appender.AppendRow(row...); err != nil {
			appender.Close()
			return NewStorageError("put", key, err)
		}
	}

	if err := appender.Close(); err != nil {
		return NewStorageError("put", key, err)
	}
	return nil
}

func appendRow(k *models.Kline) ([]driver.Value, error) {
	open, err := parsePrice(k.Open, "open")
	if err != nil {
		return nil, err
	}
	high, err := parsePrice(k.High, "high")
	if err != nil {
		return nil, err
	}
	low, err := parsePrice(k.Low, "low")
	if err != nil {
		return nil, err
	}
	closePrice, err := parsePrice(k.Close, "close")
	if err != nil {
		return nil, err
	}
	volume, err := parsePrice(k.Volume, "volume")
	if err != nil {
		return nil, err
	}
	quoteVol, err := parsePrice(k.QuoteVolume, "quote_asset_volume")
	if err != nil {
		return nil, err
	}
	takerBase, err := parsePrice(k.TakerBuyBaseVolume, "taker_buy_base_asset_volume")
	if err != nil {
		return nil, err
	}
	takerQuote, err := parsePrice(k.TakerBuyQuoteVolume, "taker_buy_quote_asset_volume")
	if err != nil {
		return nil, err
	}

	return []driver.Value{
		k.OpenTime.UTC(), open, high, low, closePrice, volume,
		k.CloseTime.UTC(), quoteVol, k.TradeCount, takerBase, takerQuote,
	}, nil
}

// DeleteAll implements SeriesStore.DeleteAll by removing the whole prefix
// tree. Callers gate this behind explicit confirmation.
func (p *ParquetStore) DeleteAll(ctx context.Context) ([]models.FetchKey, error) {
	keys, err := p.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	root := filepath.Join(p.dataDir, p.prefix)
	if err := os.RemoveAll(root); err != nil {
		return nil, &StorageError{Operation: "delete_all", Err: err}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Operation: "delete_all", Err: err}
	}

	p.logger.Info("dataset reset", "prefix", p.prefix, "files_deleted", len(keys))
	return keys, nil
}

// ListKeys implements SeriesStore.ListKeys by walking the prefix tree and
// parsing <SYMBOL>/<BASE>_<tf>.parquet paths back into fetch keys.
func (p *ParquetStore) ListKeys(ctx context.Context) ([]models.FetchKey, error) {
	root := filepath.Join(p.dataDir, p.prefix)

	var keys []models.FetchKey
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".parquet") {
			return nil
		}

		symbol := filepath.Base(filepath.Dir(path))
		name := strings.TrimSuffix(info.Name(), ".parquet")
		idx := strings.LastIndex(name, "_")
		if idx < 0 {
			return nil
		}
		tf, err := models.ParseTimeframe(name[idx+1:])
		if err != nil {
			return nil // not one of ours
		}
		keys = append(keys, models.FetchKey{Symbol: symbol, Timeframe: tf})
		return nil
	})
	if err != nil {
		return nil, &StorageError{Operation: "list_keys", Err: err}
	}

	return keys, nil
}

// Close implements SeriesStore.Close.
func (p *ParquetStore) Close() error {
	return p.db.Close()
}

func parsePrice(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", field, s, err)
	}
	return v, nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// sqlEscape doubles single quotes for inlining a path into a COPY statement,
// which does not accept bound parameters.
func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
