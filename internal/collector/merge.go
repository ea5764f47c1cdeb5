package collector

import (
	"sort"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// Merge combines a previously stored series with freshly collected klines for
// the same key. Rows are deduplicated by open time with the incoming side
// winning: a re-fetched kline supersedes the stored one, which is how a
// still-forming candle persisted on an earlier run gets corrected.
//
// The result is sorted ascending by open time and satisfies the series
// invariant (strictly increasing, no duplicate keys). Merge is pure and
// idempotent: Merge(s, nil) == s and Merge(s, s) == s.
func Merge(existing, incoming models.Series) models.Series {
	if len(existing) == 0 && len(incoming) == 0 {
		return models.Series{}
	}

	byOpenTime := make(map[int64]models.Kline, len(existing)+len(incoming))
	for _, k := range existing {
		byOpenTime[k.OpenTime.UnixMilli()] = k
	}
	for _, k := range incoming {
		byOpenTime[k.OpenTime.UnixMilli()] = k
	}

	merged := make(models.Series, 0, len(byOpenTime))
	for _, k := range byOpenTime {
		merged = append(merged, k)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})

	return merged
}
