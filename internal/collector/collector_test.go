package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// historyFetcher serves pages out of a fixed in-memory history, the way the
// exchange would: up to limit rows with open time >= startTime, ascending.
type historyFetcher struct {
	history models.Series
	calls   []time.Time

	// failAt makes call number n (1-based) return failErr instead of a page.
	failAt  int
	failErr error
}

func (f *historyFetcher) FetchPage(ctx context.Context, key models.FetchKey, startTime time.Time, limit int) (models.Series, error) {
	f.calls = append(f.calls, startTime)
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return nil, f.failErr
	}

	var page models.Series
	for _, k := range f.history {
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

var collectStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testKey() models.FetchKey {
	return models.FetchKey{Symbol: "BTCUSDT", Timeframe: models.Timeframe1h}
}

func TestCollect_SinglePartialPage(t *testing.T) {
	fetcher := &historyFetcher{history: seriesFrom(models.Timeframe1h, collectStart, 7, "100")}
	rc := NewRangeCollector(fetcher, 10, nil)

	got, err := rc.Collect(context.Background(), testKey(), collectStart, collectStart.Add(24*time.Hour))

	require.NoError(t, err)
	assert.Len(t, got, 7)
	// A short page ends the walk; no follow-up request.
	assert.Len(t, fetcher.calls, 1)
}

func TestCollect_PaginatesUntilShortPage(t *testing.T) {
	// 2400 hourly candles with a page limit of 1000: two full pages plus a
	// 400-row tail.
	fetcher := &historyFetcher{history: seriesFrom(models.Timeframe1h, collectStart, 2400, "100")}
	rc := NewRangeCollector(fetcher, 1000, nil)

	got, err := rc.Collect(context.Background(), testKey(), collectStart, collectStart.Add(10*365*24*time.Hour))

	require.NoError(t, err)
	require.Len(t, got, 2400)
	require.NoError(t, got.Validate())
	require.Len(t, fetcher.calls, 3)

	// The cursor is the last received open time plus one millisecond, so no
	// boundary candle is fetched twice.
	assert.True(t, fetcher.calls[0].Equal(collectStart))
	assert.True(t, fetcher.calls[1].Equal(collectStart.Add(999*time.Hour).Add(time.Millisecond)))
	assert.True(t, fetcher.calls[2].Equal(collectStart.Add(1999*time.Hour).Add(time.Millisecond)))
}

func TestCollect_EmptyPageTerminates(t *testing.T) {
	fetcher := &historyFetcher{} // no history at all
	rc := NewRangeCollector(fetcher, 1000, nil)

	got, err := rc.Collect(context.Background(), testKey(), collectStart, collectStart.Add(time.Hour))

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, fetcher.calls, 1)
}

func TestCollect_ExactFullPageThenEmpty(t *testing.T) {
	// History is exactly one page; the follow-up request comes back empty
	// and terminates cleanly instead of looping.
	fetcher := &historyFetcher{history: seriesFrom(models.Timeframe1h, collectStart, 1000, "100")}
	rc := NewRangeCollector(fetcher, 1000, nil)

	got, err := rc.Collect(context.Background(), testKey(), collectStart, collectStart.Add(10000*time.Hour))

	require.NoError(t, err)
	assert.Len(t, got, 1000)
	assert.Len(t, fetcher.calls, 2)
}

func TestCollect_StartNotBeforeEndFetchesNothing(t *testing.T) {
	fetcher := &historyFetcher{history: seriesFrom(models.Timeframe1h, collectStart, 10, "100")}
	rc := NewRangeCollector(fetcher, 1000, nil)

	got, err := rc.Collect(context.Background(), testKey(), collectStart, collectStart)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, fetcher.calls)
}

func TestCollect_CursorPassingEndStopsPagination(t *testing.T) {
	fetcher := &historyFetcher{history: seriesFrom(models.Timeframe1h, collectStart, 5000, "100")}
	rc := NewRangeCollector(fetcher, 1000, nil)

	// End mid-way through the second page's range.
	end := collectStart.Add(1500 * time.Hour)
	got, err := rc.Collect(context.Background(), testKey(), collectStart, end)

	require.NoError(t, err)
	require.Len(t, fetcher.calls, 2)
	// Pages are not truncated at end; the cursor check is what stops the walk.
	assert.Len(t, got, 2000)
}

func TestCollect_MidRunFailureDiscardsPartial(t *testing.T) {
	fetcher := &historyFetcher{
		history: seriesFrom(models.Timeframe1h, collectStart, 3000, "100"),
		failAt:  2,
		failErr: fmt.Errorf("connection reset"),
	}
	rc := NewRangeCollector(fetcher, 1000, nil)

	got, err := rc.Collect(context.Background(), testKey(), collectStart, collectStart.Add(10000*time.Hour))

	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")
	assert.Nil(t, got)
}

func TestCollect_ContextCancellation(t *testing.T) {
	fetcher := &historyFetcher{history: seriesFrom(models.Timeframe1h, collectStart, 10, "100")}
	rc := NewRangeCollector(fetcher, 1000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rc.Collect(ctx, testKey(), collectStart, collectStart.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRangeCollector_ClampsPageLimit(t *testing.T) {
	fetcher := &historyFetcher{}
	assert.Equal(t, 1000, NewRangeCollector(fetcher, 0, nil).pageLimit)
	assert.Equal(t, 1000, NewRangeCollector(fetcher, 5000, nil).pageLimit)
	assert.Equal(t, 500, NewRangeCollector(fetcher, 500, nil).pageLimit)
}
