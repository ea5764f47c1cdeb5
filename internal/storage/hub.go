package storage

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	apperrors "github.com/klinehub/go-kline-archiver/internal/errors"
	"github.com/klinehub/go-kline-archiver/internal/models"
)

// HubConfig configures the remote dataset hub backend.
type HubConfig struct {
	BaseURL string
	Repo    string
	Token   string // optional bearer token
	Prefix  string // directory prefix inside the repo, e.g. "klines"

	// SpoolDir holds the local staging files used to encode and decode
	// parquet payloads. Empty means a process-scoped temp directory.
	SpoolDir string

	Timeout        time.Duration
	MaxElapsedTime time.Duration // retry budget per request, default 2m
	Logger         *slog.Logger
}

// HubStore is a SeriesStore backed by a remote dataset repository. Each
// series maps to one parquet file under <prefix>/<SYMBOL>/ in the repo,
// transferred over plain HTTP:
//
//	GET    {base}/repos/{repo}/files/{path}   download one file
//	PUT    {base}/repos/{repo}/files/{path}   upload one file
//	DELETE {base}/repos/{repo}/files/{path}   delete one file
//	GET    {base}/repos/{repo}/files          list file paths (JSON array)
//
// Parquet encode/decode is delegated to a local ParquetStore over a spool
// directory, so the on-wire bytes are identical to the local backend's
// files. Every upload carries a fresh commit id so the hub can dedupe
// retried requests.
type HubStore struct {
	cfg    HubConfig
	client *http.Client
	spool  *ParquetStore
	logger *slog.Logger

	ownSpoolDir string // removed on Close when we created it
}

// NewHubStore validates the config and prepares the spool encoder.
func NewHubStore(cfg HubConfig) (*HubStore, error) {
	if cfg.BaseURL == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("hub store requires a base URL and a repo")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid hub base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	spoolDir := cfg.SpoolDir
	ownDir := ""
	if spoolDir == "" {
		dir, err := os.MkdirTemp("", "kline-hub-spool-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
		spoolDir = dir
		ownDir = dir
	}

	spool, err := NewParquetStore(spoolDir, cfg.Prefix, cfg.Logger)
	if err != nil {
		if ownDir != "" {
			os.RemoveAll(ownDir)
		}
		return nil, err
	}

	return &HubStore{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		spool:       spool,
		logger:      cfg.Logger,
		ownSpoolDir: ownDir,
	}, nil
}

func (h *HubStore) fileURL(key models.FetchKey) string {
	remote := path.Join(h.cfg.Prefix, key.Symbol, FileName(key))
	return fmt.Sprintf("%s/repos/%s/files/%s",
		strings.TrimSuffix(h.cfg.BaseURL, "/"), h.cfg.Repo, remote)
}

func (h *HubStore) listURL() string {
	return fmt.Sprintf("%s/repos/%s/files",
		strings.TrimSuffix(h.cfg.BaseURL, "/"), h.cfg.Repo)
}

// Get downloads the key's parquet file and decodes it through the spool.
func (h *HubStore) Get(ctx context.Context, key models.FetchKey) (models.Series, error) {
	body, err := h.doRetry(ctx, key, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, h.fileURL(key), nil)
	})
	if err != nil {
		return nil, err
	}

	spoolPath := h.spool.Path(key)
	if err := os.MkdirAll(filepath.Dir(spoolPath), 0o755); err != nil {
		return nil, NewStorageError("get", key, err)
	}
	if err := os.WriteFile(spoolPath, body, 0o644); err != nil {
		return nil, NewStorageError("get", key, err)
	}
	defer os.Remove(spoolPath)

	return h.spool.Get(ctx, key)
}

// Put encodes the series through the spool and uploads the file. Each
// attempt carries the same commit id so a retried upload is idempotent on
// the hub side.
func (h *HubStore) Put(ctx context.Context, key models.FetchKey, series models.Series) error {
	if err := h.spool.Put(ctx, key, series); err != nil {
		return err
	}
	spoolPath := h.spool.Path(key)
	defer os.Remove(spoolPath)

	payload, err := os.ReadFile(spoolPath)
	if err != nil {
		return NewStorageError("put", key, err)
	}

	commitID := uuid.NewString()
	_, err = h.doRetry(ctx, key, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.fileURL(key),
			bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/vnd.apache.parquet")
		req.Header.Set("X-Commit-Id", commitID)
		return req, nil
	})
	if err != nil {
		return err
	}

	h.logger.Debug("series uploaded",
		"key", key.String(),
		"rows", len(series),
		"bytes", len(payload),
		"commit_id", commitID)
	return nil
}

// DeleteAll removes every file under the configured prefix, one delete per
// key so a partial failure leaves a consistent listing.
func (h *HubStore) DeleteAll(ctx context.Context) ([]models.FetchKey, error) {
	keys, err := h.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	deleted := make([]models.FetchKey, 0, len(keys))
	for _, key := range keys {
		_, err := h.doRetry(ctx, key, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodDelete, h.fileURL(key), nil)
		})
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, key)
	}

	h.logger.Info("dataset reset", "repo", h.cfg.Repo, "files_deleted", len(deleted))
	return deleted, nil
}

// ListKeys fetches the repo file listing and keeps the paths that parse as
// series files under the configured prefix.
func (h *HubStore) ListKeys(ctx context.Context) ([]models.FetchKey, error) {
	body, err := h.doRetry(ctx, models.FetchKey{}, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, h.listURL(), nil)
	})
	if err != nil {
		return nil, err
	}

	var paths []string
	if err := json.Unmarshal(body, &paths); err != nil {
		return nil, &StorageError{Operation: "list_keys", Err: fmt.Errorf("invalid listing: %w", err)}
	}

	prefix := h.cfg.Prefix + "/"
	var keys []models.FetchKey
	for _, p := range paths {
		if !strings.HasPrefix(p, prefix) || !strings.HasSuffix(p, ".parquet") {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		parts := strings.Split(rel, "/")
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSuffix(parts[1], ".parquet")
		idx := strings.LastIndex(name, "_")
		if idx < 0 {
			continue
		}
		tf, err := models.ParseTimeframe(name[idx+1:])
		if err != nil {
			continue
		}
		keys = append(keys, models.FetchKey{Symbol: parts[0], Timeframe: tf})
	}

	return keys, nil
}

// Close releases the spool encoder and, when owned, the spool directory.
func (h *HubStore) Close() error {
	err := h.spool.Close()
	if h.ownSpoolDir != "" {
		os.RemoveAll(h.ownSpoolDir)
	}
	return err
}

// doRetry executes the request with exponential backoff. Server errors and
// 429s are retried; other non-2xx statuses fail immediately. A 404 maps to
// ErrNotFound.
func (h *HubStore) doRetry(ctx context.Context, key models.FetchKey, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = h.cfg.MaxElapsedTime

	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		if h.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err = io.ReadAll(resp.Body)
			return err
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case apperrors.ClassifyHTTPStatus(resp.StatusCode).Retryable():
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("hub returned status %d", resp.StatusCode)
		default:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("hub returned status %d: %s",
				resp.StatusCode, strings.TrimSpace(string(payload))))
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, NewStorageError("hub_request", key, err)
	}
	return body, nil
}
