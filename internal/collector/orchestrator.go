package collector

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/klinehub/go-kline-archiver/internal/errors"
	"github.com/klinehub/go-kline-archiver/internal/models"
	"github.com/klinehub/go-kline-archiver/internal/storage"
)

// Status is a key's position in its processing lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFetching   Status = "fetching"
	StatusMerging    Status = "merging"
	StatusPersisting Status = "persisting"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Result is the per-key outcome of one orchestrator run. It is reporting
// state only and is never persisted.
type Result struct {
	Key         models.FetchKey
	Status      Status
	Err         error
	RowsFetched int
	RowsTotal   int
	Duration    time.Duration
}

// Succeeded reports whether the key reached its terminal success state.
func (r *Result) Succeeded() bool { return r.Status == StatusSucceeded }

// Summary aggregates the outcome of a run across keys.
type Summary struct {
	RunID     string
	Succeeded int
	Failed    int
	Results   map[models.FetchKey]*Result
}

// FailedKeys returns the keys that ended in StatusFailed, in no particular
// order.
func (s *Summary) FailedKeys() []models.FetchKey {
	var keys []models.FetchKey
	for key, res := range s.Results {
		if res.Status == StatusFailed {
			keys = append(keys, key)
		}
	}
	return keys
}

// Config configures orchestrator behavior.
type Config struct {
	// StartTime is the global historical start used when a key has no
	// stored data yet.
	StartTime time.Time

	// PersistBatchSize bounds how many merged series accumulate before a
	// backfill flushes a batch of writes. Zero selects the default.
	PersistBatchSize int

	Logger *slog.Logger
}

const defaultPersistBatchSize = 20

// Orchestrator runs the fetch-merge-persist cycle over a set of keys,
// sequentially and with per-key failure isolation: one symbol's outage never
// blocks the others. There is no shared mutable state between keys, so
// stopping between keys leaves completed keys durably updated and the rest
// untouched; the next run resumes from stored data.
type Orchestrator struct {
	collector *RangeCollector
	store     storage.SeriesStore
	cfg       Config
	logger    *slog.Logger

	// now is injected for tests; end_time of every collection is the wall
	// clock at invocation.
	now func() time.Time
}

// NewOrchestrator wires a range collector and a series store into an
// orchestrator.
func NewOrchestrator(collector *RangeCollector, store storage.SeriesStore, cfg Config) *Orchestrator {
	if cfg.PersistBatchSize <= 0 {
		cfg.PersistBatchSize = defaultPersistBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		collector: collector,
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// ProcessAll runs the full cycle for every key and returns the per-key
// results. Failures are captured in the summary, never propagated as a run
// failure; only context cancellation stops the loop early.
func (o *Orchestrator) ProcessAll(ctx context.Context, keys []models.FetchKey) (*Summary, error) {
	summary := o.newSummary()

	o.logger.Info("starting run",
		"run_id", summary.RunID,
		"keys", len(keys))

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		res := o.ProcessOne(ctx, key)
		summary.add(res)
	}

	o.logger.Info("run finished",
		"run_id", summary.RunID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed)

	return summary, nil
}

// ProcessOne runs the state machine for a single key:
// pending -> fetching -> merging -> persisting -> succeeded | failed.
// It is the entry point for re-running keys that failed in a previous run.
func (o *Orchestrator) ProcessOne(ctx context.Context, key models.FetchKey) *Result {
	started := o.now()
	res := &Result{Key: key, Status: StatusPending}
	defer func() { res.Duration = o.now().Sub(started) }()

	log := o.logger.With("key", key.String())

	// Existing data decides the resume point; a missing file is an empty
	// series, not an error.
	existing, err := o.loadExisting(ctx, key)
	if err != nil {
		return fail(res, log, fmt.Errorf("loading existing series: %w", err))
	}

	res.Status = StatusFetching
	startTime := o.resumeTime(key, existing)
	endTime := o.now()

	incoming, err := o.collector.Collect(ctx, key, startTime, endTime)
	if err != nil {
		return fail(res, log, err)
	}
	res.RowsFetched = len(incoming)

	res.Status = StatusMerging
	merged, err := o.merge(key, existing, incoming)
	if err != nil {
		return fail(res, log, err)
	}
	res.RowsTotal = len(merged)

	if len(merged) == 0 {
		return fail(res, log, fmt.Errorf("no data collected for %s", key))
	}

	res.Status = StatusPersisting
	if err := o.store.Put(ctx, key, merged); err != nil {
		return fail(res, log, &errors.StorageWriteError{Key: key, Err: err})
	}

	res.Status = StatusSucceeded
	log.Info("key processed",
		"rows_fetched", res.RowsFetched,
		"rows_total", res.RowsTotal)
	return res
}

// RetryFailed re-runs only the keys that failed in a previous summary and
// returns a fresh summary for those keys.
func (o *Orchestrator) RetryFailed(ctx context.Context, previous *Summary) (*Summary, error) {
	return o.ProcessAll(ctx, previous.FailedKeys())
}

// Backfill collects full history for every key but defers persistence:
// merged series accumulate locally and are flushed in fixed-size batches,
// reducing the number of remote write transactions during a historical
// bootstrap. A key whose fetch or merge fails is recorded and skipped; a key
// whose eventual batched write fails is recorded as failed too.
func (o *Orchestrator) Backfill(ctx context.Context, keys []models.FetchKey) (*Summary, error) {
	summary := o.newSummary()

	o.logger.Info("starting backfill",
		"run_id", summary.RunID,
		"keys", len(keys),
		"persist_batch_size", o.cfg.PersistBatchSize)

	type pending struct {
		res    *Result
		series models.Series
	}
	var batch []pending

	flush := func() {
		for _, p := range batch {
			p.res.Status = StatusPersisting
			if err := o.store.Put(ctx, p.res.Key, p.series); err != nil {
				fail(p.res, o.logger.With("key", p.res.Key.String()),
					&errors.StorageWriteError{Key: p.res.Key, Err: err})
				continue
			}
			p.res.Status = StatusSucceeded
		}
		batch = batch[:0]
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			// Cancellation is coarse: unflushed keys fail, persisted keys
			// stay durably updated, unprocessed keys are untouched.
			for _, p := range batch {
				fail(p.res, o.logger.With("key", p.res.Key.String()), ctx.Err())
			}
			summary.recount()
			return summary, ctx.Err()
		default:
		}

		res := &Result{Key: key, Status: StatusFetching}
		log := o.logger.With("key", key.String())

		existing, err := o.loadExisting(ctx, key)
		if err != nil {
			summary.add(fail(res, log, fmt.Errorf("loading existing series: %w", err)))
			continue
		}

		incoming, err := o.collector.Collect(ctx, key, o.resumeTime(key, existing), o.now())
		if err != nil {
			summary.add(fail(res, log, err))
			continue
		}
		res.RowsFetched = len(incoming)

		res.Status = StatusMerging
		merged, err := o.merge(key, existing, incoming)
		if err != nil {
			summary.add(fail(res, log, err))
			continue
		}
		res.RowsTotal = len(merged)

		if len(merged) == 0 {
			summary.add(fail(res, log, fmt.Errorf("no data collected for %s", key)))
			continue
		}

		summary.add(res)
		batch = append(batch, pending{res: res, series: merged})
		if len(batch) >= o.cfg.PersistBatchSize {
			flush()
		}
	}

	flush()
	summary.recount()

	o.logger.Info("backfill finished",
		"run_id", summary.RunID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed)

	return summary, nil
}

// loadExisting fetches the stored series for a key, mapping a missing file to
// an empty series.
func (o *Orchestrator) loadExisting(ctx context.Context, key models.FetchKey) (models.Series, error) {
	existing, err := o.store.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return models.Series{}, nil
		}
		return nil, err
	}
	return existing, nil
}

// resumeTime picks the collection start: the last stored open time when data
// exists, or the configured global start otherwise. Resuming at the tail's
// own open time deliberately re-fetches the last candle: it may have been
// persisted while still forming, and the re-fetched row supersedes it on
// merge.
func (o *Orchestrator) resumeTime(key models.FetchKey, existing models.Series) time.Time {
	if last := existing.Last(); last != nil {
		return last.OpenTime
	}
	return o.cfg.StartTime
}

// merge folds incoming into existing and enforces the series invariant. This
// is the single enforcement point for ordering and uniqueness.
func (o *Orchestrator) merge(key models.FetchKey, existing, incoming models.Series) (models.Series, error) {
	merged := Merge(existing, incoming)
	if err := merged.Validate(); err != nil {
		return nil, &errors.MergeInvariantError{Key: key, Err: err}
	}
	return merged, nil
}

func (o *Orchestrator) newSummary() *Summary {
	return &Summary{
		RunID:   uuid.NewString(),
		Results: make(map[models.FetchKey]*Result),
	}
}

// add records a result, counting terminal states. Non-terminal results (a
// backfill key awaiting its batch flush) are re-counted by finalize.
func (s *Summary) add(res *Result) {
	s.Results[res.Key] = res
	switch res.Status {
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
}

// Fold copies other's results over this summary's and rebuilds the counters.
// Used to fold a retry pass into the original run's report.
func (s *Summary) Fold(other *Summary) {
	for key, res := range other.Results {
		s.Results[key] = res
	}
	s.recount()
}

// recount recomputes the success/failure counters from terminal statuses.
// Needed after a backfill flush mutates results that were added mid-batch.
func (s *Summary) recount() {
	s.Succeeded, s.Failed = 0, 0
	for _, res := range s.Results {
		switch res.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		}
	}
}

func fail(res *Result, log *slog.Logger, err error) *Result {
	stage := res.Status
	res.Status = StatusFailed
	res.Err = err
	log.Error("key failed",
		"stage", string(stage),
		"error_type", string(errors.Classify(err)),
		"error", err)
	return res
}
