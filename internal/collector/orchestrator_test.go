package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinehub/go-kline-archiver/internal/models"
	"github.com/klinehub/go-kline-archiver/internal/storage"
)

// fetcherFunc adapts a function to exchange.PageFetcher so tests can script
// per-key behavior.
type fetcherFunc func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error)

func (f fetcherFunc) FetchPage(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
	return f(ctx, key, startTime, limit)
}

// flakyStore wraps a MemoryStore, failing Put for selected keys and counting
// writes.
type flakyStore struct {
	*storage.MemoryStore
	failPut map[models.FetchKey]bool
	puts    int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: storage.NewMemoryStore(),
		failPut:     make(map[models.FetchKey]bool),
	}
}

func (s *flakyStore) Put(ctx context.Context, key models.FetchKey, series models.Series) error {
	s.puts++
	if s.failPut[key] {
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.Put(ctx, key, series)
}

var (
	orchStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	orchNow   = time.Date(2024, 1, 10, 12, 30, 0, 0, time.UTC)

	keyBTC = models.FetchKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1h}
	keyETH = models.FetchKey{Symbol: "ETHUSDT", Timeframe: models.Timeframe1h}
	keySOL = models.FetchKey{Symbol: "SOLUSDT", Timeframe: models.Timeframe1h}
)

func newTestOrchestrator(fetcher fetcherFunc, store storage.SeriesStore, batchSize int) *Orchestrator {
	o := NewOrchestrator(
		NewRangeCollector(fetcher, 1000, nil),
		store,
		Config{StartTime: orchStart, PersistBatchSize: batchSize},
	)
	o.now = func() time.Time { return orchNow }
	return o
}

// servesHistory returns a fetcher that serves n hourly candles from orchStart
// for every key.
func servesHistory(n int) fetcherFunc {
	return func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		history := seriesFrom(models.Timeframe1h, orchStart, n, "100")
		var page models.Series
		for _, k := range history {
			if k.OpenTime.Before(startTime) {
				continue
			}
			page = append(page, k)
			if len(page) == limit {
				break
			}
		}
		return page, nil
	}
}

func TestProcessOne_FreshKeyCollectsFromConfiguredStart(t *testing.T) {
	var firstStart time.Time
	fetcher := fetcherFunc(func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		if firstStart.IsZero() {
			firstStart = startTime
		}
		return servesHistory(50)(ctx, key, startTime, limit)
	})

	store := storage.NewMemoryStore()
	o := newTestOrchestrator(fetcher, store, 0)

	res := o.ProcessOne(context.Background(), keyBTC)

	require.True(t, res.Succeeded(), "unexpected error: %v", res.Err)
	assert.True(t, firstStart.Equal(orchStart))
	assert.Equal(t, 50, res.RowsFetched)
	assert.Equal(t, 50, res.RowsTotal)

	stored, err := store.Get(context.Background(), keyBTC)
	require.NoError(t, err)
	assert.Len(t, stored, 50)
}

func TestProcessOne_ResumesAtLastStoredOpenTime(t *testing.T) {
	store := storage.NewMemoryStore()
	existing := seriesFrom(models.Timeframe1h, orchStart, 24, "old")
	require.NoError(t, store.Put(context.Background(), keyBTC, existing))

	var firstStart time.Time
	fetcher := fetcherFunc(func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		if firstStart.IsZero() {
			firstStart = startTime
		}
		return servesHistory(30)(ctx, key, startTime, limit)
	})

	o := newTestOrchestrator(fetcher, store, 0)
	res := o.ProcessOne(context.Background(), keyBTC)

	require.True(t, res.Succeeded(), "unexpected error: %v", res.Err)
	// Last stored open time is hour 23; the tail candle is re-fetched so a
	// partially-formed row can never persist past the next run.
	assert.True(t, firstStart.Equal(orchStart.Add(23*time.Hour)))
	assert.Equal(t, 7, res.RowsFetched)
	assert.Equal(t, 30, res.RowsTotal)
}

func TestProcessOne_RefetchedCandleSupersedesStored(t *testing.T) {
	store := storage.NewMemoryStore()
	existing := seriesFrom(models.Timeframe1h, orchStart, 24, "stale")
	require.NoError(t, store.Put(context.Background(), keyBTC, existing))

	o := newTestOrchestrator(servesHistory(30), store, 0)
	res := o.ProcessOne(context.Background(), keyBTC)
	require.True(t, res.Succeeded())

	stored, err := store.Get(context.Background(), keyBTC)
	require.NoError(t, err)
	require.Len(t, stored, 30)
	assert.Equal(t, "stale", stored[22].Close)
	assert.Equal(t, "100", stored[23].Close, "re-fetched tail replaces the stored row")
	assert.Equal(t, "100", stored[24].Close)
}

func TestProcessOne_FormingTailCandleIsCorrectedOnNextRun(t *testing.T) {
	store := storage.NewMemoryStore()
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	// The exchange's view flips between runs: at 01:30 the 01:00 candle is
	// still forming, by 03:30 it is final.
	finalized := false
	fetcher := fetcherFunc(func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		history := seriesFrom(models.Timeframe1h, day, 2, "forming")
		if finalized {
			history = seriesFrom(models.Timeframe1h, day, 4, "final")
		}
		var page models.Series
		for _, k := range history {
			if !k.OpenTime.Before(startTime) {
				page = append(page, k)
			}
		}
		return page, nil
	})

	o := newTestOrchestrator(fetcher, store, 0)
	o.cfg.StartTime = day
	o.now = func() time.Time { return day.Add(90 * time.Minute) }

	res := o.ProcessOne(context.Background(), keyBTC)
	require.True(t, res.Succeeded(), "unexpected error: %v", res.Err)

	stored, err := store.Get(context.Background(), keyBTC)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, "forming", stored[1].Close)

	finalized = true
	o.now = func() time.Time { return day.Add(210 * time.Minute) }

	res = o.ProcessOne(context.Background(), keyBTC)
	require.True(t, res.Succeeded(), "unexpected error: %v", res.Err)

	stored, err = store.Get(context.Background(), keyBTC)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	assert.Equal(t, "final", stored[1].Close, "partial candle must be superseded once finalized")
}

func TestProcessOne_NoDataCollectedFails(t *testing.T) {
	o := newTestOrchestrator(servesHistory(0), storage.NewMemoryStore(), 0)

	res := o.ProcessOne(context.Background(), keyBTC)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorContains(t, res.Err, "no data collected")
}

func TestProcessOne_StorageWriteFailure(t *testing.T) {
	store := newFlakyStore()
	store.failPut[keyBTC] = true

	o := newTestOrchestrator(servesHistory(10), store, 0)
	res := o.ProcessOne(context.Background(), keyBTC)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorContains(t, res.Err, "disk full")
}

func TestProcessAll_FailureIsolation(t *testing.T) {
	fetcher := fetcherFunc(func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		if key == keyETH {
			return nil, fmt.Errorf("symbol suspended")
		}
		return servesHistory(10)(ctx, key, startTime, limit)
	})

	store := storage.NewMemoryStore()
	o := newTestOrchestrator(fetcher, store, 0)

	summary, err := o.ProcessAll(context.Background(), []models.FetchKey{keyBTC, keyETH, keySOL})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, StatusSucceeded, summary.Results[keyBTC].Status)
	assert.Equal(t, StatusFailed, summary.Results[keyETH].Status)
	assert.Equal(t, StatusSucceeded, summary.Results[keySOL].Status)

	// The failing key must not block its neighbors' persistence.
	_, err = store.Get(context.Background(), keySOL)
	assert.NoError(t, err)
	_, err = store.Get(context.Background(), keyETH)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessAll_ContextCancellationStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(servesHistory(10), storage.NewMemoryStore(), 0)
	summary, err := o.ProcessAll(ctx, []models.FetchKey{keyBTC, keyETH})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Results)
}

func TestRetryFailed_ReprocessesOnlyFailedKeys(t *testing.T) {
	attempts := make(map[models.FetchKey]int)
	fetcher := fetcherFunc(func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		attempts[key]++
		if key == keyETH && attempts[key] == 1 {
			return nil, fmt.Errorf("symbol suspended")
		}
		return servesHistory(10)(ctx, key, startTime, limit)
	})

	o := newTestOrchestrator(fetcher, storage.NewMemoryStore(), 0)

	first, err := o.ProcessAll(context.Background(), []models.FetchKey{keyBTC, keyETH})
	require.NoError(t, err)
	require.Equal(t, 1, first.Failed)

	second, err := o.RetryFailed(context.Background(), first)
	require.NoError(t, err)

	assert.Equal(t, 1, second.Succeeded)
	assert.Zero(t, second.Failed)
	assert.Len(t, second.Results, 1)
	assert.Equal(t, 1, attempts[keyBTC], "succeeded key must not be re-fetched")
	assert.Equal(t, 2, attempts[keyETH])
}

func TestBackfill_FlushesInBatches(t *testing.T) {
	store := newFlakyStore()
	o := newTestOrchestrator(servesHistory(10), store, 2)

	summary, err := o.Backfill(context.Background(), []models.FetchKey{keyBTC, keyETH, keySOL})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, store.puts)

	for _, key := range []models.FetchKey{keyBTC, keyETH, keySOL} {
		stored, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Len(t, stored, 10)
	}
}

func TestBackfill_BatchedWriteFailureMarksKeyFailed(t *testing.T) {
	store := newFlakyStore()
	store.failPut[keyETH] = true

	o := newTestOrchestrator(servesHistory(10), store, 2)
	summary, err := o.Backfill(context.Background(), []models.FetchKey{keyBTC, keyETH, keySOL})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, StatusFailed, summary.Results[keyETH].Status)
	assert.Equal(t, StatusSucceeded, summary.Results[keyBTC].Status)
	assert.Equal(t, StatusSucceeded, summary.Results[keySOL].Status)
}

func TestBackfill_FetchFailureSkipsKey(t *testing.T) {
	fetcher := fetcherFunc(func(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
		if key == keyBTC {
			return nil, fmt.Errorf("boom")
		}
		return servesHistory(10)(ctx, key, startTime, limit)
	})

	store := newFlakyStore()
	o := newTestOrchestrator(fetcher, store, 10)

	summary, err := o.Backfill(context.Background(), []models.FetchKey{keyBTC, keyETH})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, store.puts, "failed fetch must not reach the store")
}

func TestSummary_FoldAppliesRetryResults(t *testing.T) {
	s := &Summary{Results: map[models.FetchKey]*Result{
		keyBTC: {Key: keyBTC, Status: StatusSucceeded},
		keyETH: {Key: keyETH, Status: StatusFailed},
	}}
	s.recount()
	require.Equal(t, 1, s.Failed)

	retry := &Summary{Results: map[models.FetchKey]*Result{
		keyETH: {Key: keyETH, Status: StatusSucceeded},
	}}
	s.Fold(retry)

	assert.Equal(t, 2, s.Succeeded)
	assert.Zero(t, s.Failed)
}

func TestSummary_FailedKeys(t *testing.T) {
	s := &Summary{Results: map[models.FetchKey]*Result{
		keyBTC: {Key: keyBTC, Status: StatusSucceeded},
		keyETH: {Key: keyETH, Status: StatusFailed},
	}}

	failed := s.FailedKeys()
	require.Len(t, failed, 1)
	assert.Equal(t, keyETH, failed[0])
}
