// Package exchange provides the Binance klines page fetcher used by the
// collection pipeline. The fetcher retrieves one page of up to 1000 klines
// per call; pagination across a time range is the collector's job.
package exchange

import (
	"context"
	"time"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// MaxPageLimit is the klines endpoint's maximum page size.
const MaxPageLimit = 1000

// PageFetcher retrieves one page of klines for a key, starting at the given
// open time (inclusive). An empty result means the exchange has no data at or
// after startTime; a page shorter than the requested limit means the range is
// exhausted. Both are loop-termination signals for the caller, not errors.
//
// Implementations retry transient failures internally up to a fixed ceiling
// and honor a fixed inter-request delay to stay under exchange rate limits.
type PageFetcher interface {
	FetchPage(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error)
}

// HealthChecker verifies connectivity to the exchange.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
