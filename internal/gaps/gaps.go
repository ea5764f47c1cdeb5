// Package gaps detects missing candles in stored kline series. A gap is a
// run of open times the timeframe grid expects but the series does not
// contain; gaps usually mean an exchange outage or a delisting window and
// are reported rather than repaired, since re-fetching the range returns the
// same hole.
package gaps

import (
	"fmt"
	"time"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// Gap is a contiguous run of missing candles inside a stored series.
type Gap struct {
	Key models.FetchKey

	// Start is the first missing open time, End the first present open time
	// after the gap: the missing range is [Start, End).
	Start time.Time
	End   time.Time

	// MissingRows is the number of absent candles on the timeframe grid.
	MissingRows int
}

// String renders the gap for logs and CLI output.
func (g Gap) String() string {
	return fmt.Sprintf("%s: %d candles missing in [%s, %s)",
		g.Key, g.MissingRows,
		g.Start.UTC().Format(time.RFC3339),
		g.End.UTC().Format(time.RFC3339))
}

// Detect scans an ordered series for holes in the timeframe grid. The series
// must satisfy the ordering invariant, which callers get from the store; a
// nil or single-row series has no gaps by definition.
func Detect(key models.FetchKey, series models.Series) []Gap {
	interval := key.Timeframe.Duration()
	if interval <= 0 || len(series) < 2 {
		return nil
	}

	var gaps []Gap
	for i := 1; i < len(series); i++ {
		expected := series[i-1].OpenTime.Add(interval)
		actual := series[i].OpenTime
		if !actual.After(expected) {
			continue
		}

		missing := int(actual.Sub(expected) / interval)
		gaps = append(gaps, Gap{
			Key:         key,
			Start:       expected,
			End:         actual,
			MissingRows: missing,
		})
	}

	return gaps
}

// TotalMissing sums the missing rows across a gap list.
func TotalMissing(gaps []Gap) int {
	total := 0
	for _, g := range gaps {
		total += g.MissingRows
	}
	return total
}
