package exchange

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/klinehub/go-kline-archiver/internal/errors"
	"github.com/klinehub/go-kline-archiver/internal/models"
)

// Default fetch policy. The retry delay and attempt ceiling are configurable
// so tests can shrink them to near-zero.
const (
	defaultRetryAttempts  = 3
	defaultRetryDelay     = 2 * time.Second
	defaultRequestSpacing = 200 * time.Millisecond
	defaultTimeout        = 15 * time.Second
)

// BinanceConfig configures the Binance page fetcher.
type BinanceConfig struct {
	// BaseURL overrides the REST endpoint (tests point this at httptest).
	BaseURL string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// RetryAttempts is the total attempt ceiling per page; RetryDelay is the
	// fixed sleep between attempts.
	RetryAttempts int
	RetryDelay    time.Duration

	// RequestSpacing is the minimum delay between successive requests.
	RequestSpacing time.Duration

	Logger *slog.Logger
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	// RequestSpacing <= 0 disables the inter-request limiter entirely; the
	// production default (defaultRequestSpacing) comes from config.
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// BinanceFetcher implements PageFetcher against the Binance spot klines
// endpoint using the go-binance SDK.
type BinanceFetcher struct {
	client  *binance.Client
	limiter *rate.Limiter
	cfg     BinanceConfig
	logger  *slog.Logger
}

// NewBinanceFetcher creates a Binance page fetcher. Market data endpoints are
// public, so no API credentials are configured.
func NewBinanceFetcher(cfg BinanceConfig) *BinanceFetcher {
	cfg = cfg.withDefaults()

	client := binance.NewClient("", "")
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var limiter *rate.Limiter
	if cfg.RequestSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestSpacing), 1)
	}

	return &BinanceFetcher{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// FetchPage implements PageFetcher. It waits for the inter-request limiter,
// then fetches one page with constant-delay retries on transient failures.
// Exhausting the retry ceiling or hitting a permanent error returns a
// *errors.FetchError identifying the key and cause.
func (f *BinanceFetcher) FetchPage(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.NewFetchError(key, errors.ErrorTypeBadRequest, 0, err)
	}
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}
	}

	var (
		raw      []*binance.Kline
		attempts int
		lastType errors.ErrorType
	)

	operation := func() error {
		attempts++

		res, err := f.client.NewKlinesService().
			Symbol(key.Symbol).
			Interval(key.Timeframe.String()).
			StartTime(startTime.UnixMilli()).
			Limit(limit).
			Do(ctx)
		if err != nil {
			lastType = classifyBinanceError(err)
			if !lastType.Retryable() {
				return backoff.Permanent(err)
			}
			f.logger.Warn("kline page fetch attempt failed",
				"key", key.String(),
				"attempt", attempts,
				"error_type", string(lastType),
				"error", err)
			return err
		}

		raw = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.cfg.RetryDelay), uint64(f.cfg.RetryAttempts-1)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if lastType == "" {
			lastType = errors.Classify(err)
		}
		return nil, errors.NewFetchError(key, lastType, attempts, err)
	}

	page := make(models.Series, 0, len(raw))
	for _, kl := range raw {
		if kl == nil {
			continue
		}
		k := convertKline(kl)
		if err := k.Validate(); err != nil {
			f.logger.Warn("skipping invalid kline from exchange",
				"key", key.String(),
				"open_time", kl.OpenTime,
				"error", err)
			continue
		}
		page = append(page, k)
	}

	f.logger.Debug("fetched kline page",
		"key", key.String(),
		"start", startTime.UTC().Format(time.RFC3339),
		"rows", len(page))

	return page, nil
}

// HealthCheck implements HealthChecker with the lightweight ping endpoint.
func (f *BinanceFetcher) HealthCheck(ctx context.Context) error {
	if err := f.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("exchange health check failed: %w", err)
	}
	return nil
}

// convertKline maps an SDK kline to the internal model. Times arrive as
// millisecond epochs.
func convertKline(kl *binance.Kline) models.Kline {
	return models.Kline{
		OpenTime:            time.UnixMilli(kl.OpenTime).UTC(),
		Open:                kl.Open,
		High:                kl.High,
		Low:                 kl.Low,
		Close:               kl.Close,
		Volume:              kl.Volume,
		CloseTime:           time.UnixMilli(kl.CloseTime).UTC(),
		QuoteVolume:         kl.QuoteAssetVolume,
		TradeCount:          kl.TradeNum,
		TakerBuyBaseVolume:  kl.TakerBuyBaseAssetVolume,
		TakerBuyQuoteVolume: kl.TakerBuyQuoteAssetVolume,
	}
}

// classifyBinanceError maps SDK errors onto the pipeline taxonomy. API error
// codes follow the Binance convention: -1003/-1015 are throttling signals,
// -1001/-1007 are server-side hiccups, everything at or below -1100 is a
// malformed or unknown request (not retryable).
func classifyBinanceError(err error) errors.ErrorType {
	var apiErr *common.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return errors.ErrorTypeRateLimit
		case apiErr.Code == -1001 || apiErr.Code == -1007:
			return errors.ErrorTypeServerError
		case apiErr.Code <= -1100: // malformed request, invalid symbol, filter failures
			return errors.ErrorTypeBadRequest
		}
	}
	return errors.Classify(err)
}
