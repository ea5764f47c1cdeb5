// Package storage defines the dataset store abstraction for archived kline
// series and provides parquet-file, remote-hub, and in-memory backends. The
// durable copy of every series lives in the store; the pipeline only ever
// holds a transient in-memory working copy while merging.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// ErrNotFound is returned by Get when no file exists for a key. The pipeline
// treats it as "empty existing series", not a failure.
var ErrNotFound = errors.New("series not found")

// SeriesStore persists one columnar file per (symbol, timeframe) key.
//
// Put must be atomic with respect to readers: a failed write leaves the
// previously stored series intact.
type SeriesStore interface {
	// Get returns the stored series for a key, or ErrNotFound.
	Get(ctx context.Context, key models.FetchKey) (models.Series, error)

	// Put replaces the stored series for a key.
	Put(ctx context.Context, key models.FetchKey, series models.Series) error

	// DeleteAll removes every stored file under the store's prefix and
	// returns the keys that were deleted. Used only for explicit resets.
	DeleteAll(ctx context.Context) ([]models.FetchKey, error)

	// ListKeys returns the keys that currently have a stored file.
	ListKeys(ctx context.Context) ([]models.FetchKey, error)

	// Close releases backend resources.
	Close() error
}

// FileName returns the descriptive file name for a key, e.g. BTC_1h.parquet
// for BTCUSDT. Consumers of the dataset rely on this convention.
func FileName(key models.FetchKey) string {
	base := strings.TrimSuffix(key.Symbol, "USDT")
	return fmt.Sprintf("%s_%s.parquet", base, key.Timeframe)
}

// FilePath returns the repository-relative path for a key under the given
// prefix: <prefix>/<SYMBOL>/<BASE>_<tf>.parquet.
func FilePath(prefix string, key models.FetchKey) string {
	return fmt.Sprintf("%s/%s/%s", prefix, key.Symbol, FileName(key))
}

// StorageError wraps a failed store operation with its context.
type StorageError struct {
	Operation string
	Key       string
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage operation %s for %s failed: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a StorageError for an operation on one key.
func NewStorageError(operation string, key models.FetchKey, err error) *StorageError {
	return &StorageError{Operation: operation, Key: key.String(), Err: err}
}
