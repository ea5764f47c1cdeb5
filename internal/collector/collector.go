// Package collector implements the incremental fetch-merge-dedup pipeline:
// a range collector that paginates the exchange across a time span, a pure
// merge engine that folds fresh pages into previously stored data, and an
// orchestrator that runs the (symbol, timeframe) matrix with per-key failure
// isolation.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klinehub/go-kline-archiver/internal/exchange"
	"github.com/klinehub/go-kline-archiver/internal/models"
)

// RangeCollector drives a PageFetcher across a whole time span, producing the
// complete ordered kline set for one key. It holds no state between runs; the
// fetch cursor lives only for the duration of one Collect call.
type RangeCollector struct {
	fetcher   exchange.PageFetcher
	pageLimit int
	logger    *slog.Logger
}

// NewRangeCollector creates a range collector. pageLimit is clamped to the
// API maximum; zero selects the maximum, which minimizes round-trips.
func NewRangeCollector(fetcher exchange.PageFetcher, pageLimit int, logger *slog.Logger) *RangeCollector {
	if pageLimit <= 0 || pageLimit > exchange.MaxPageLimit {
		pageLimit = exchange.MaxPageLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RangeCollector{
		fetcher:   fetcher,
		pageLimit: pageLimit,
		logger:    logger,
	}
}

// Collect fetches all klines for key with open times in [startTime, endTime).
// The cursor advances to the last received open time plus one millisecond, so
// a kline returned at a page boundary is never requested twice. Collection
// stops when a page comes back empty or short (no more history available), or
// when the cursor passes endTime.
//
// Any page failure discards the partial accumulation and propagates: the
// caller sees either a complete range or an error, never a truncated series
// presented as complete.
func (rc *RangeCollector) Collect(ctx context.Context, key models.FetchKey, startTime, endTime time.Time) (models.Series, error) {
	if !startTime.Before(endTime) {
		return models.Series{}, nil
	}

	var (
		collected models.Series
		cursor    = startTime
		pages     int
	)

	for cursor.Before(endTime) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := rc.fetcher.FetchPage(ctx, key, cursor, rc.pageLimit)
		if err != nil {
			return nil, fmt.Errorf("collecting %s from %s: %w", key, cursor.UTC().Format(time.RFC3339), err)
		}
		pages++

		if len(page) == 0 {
			break
		}

		collected = append(collected, page...)
		cursor = page.Last().OpenTime.Add(time.Millisecond)

		if len(page) < rc.pageLimit {
			// A short page means we caught up with the present.
			break
		}
	}

	rc.logger.Debug("range collection finished",
		"key", key.String(),
		"pages", pages,
		"rows", len(collected),
		"start", startTime.UTC().Format(time.RFC3339),
		"end", endTime.UTC().Format(time.RFC3339))

	return collected, nil
}
