package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iwanhae/partq/internal/metrics"
	"github.com/iwanhae/partq/internal/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine executes a query and returns every row it produced.
type Engine interface {
	ExecuteAll(ctx context.Context, sql string) ([]map[string]any, error)
}

// Options controls how a Dispatcher drives its engine.
type Options struct {
	// MaxConcurrency caps in-flight queries per batch. Zero means no limit.
	MaxConcurrency int
	// Serialize allows only one active query at a time, for engines that are
	// not safe for concurrent use.
	Serialize bool
}

// Result is the outcome of one query of a batch.
type Result struct {
	Index    int
	Query    string
	Rows     []map[string]any
	Duration time.Duration
	Err      error
}

// Batch holds one Result per dispatched query, in submission order.
type Batch struct {
	ID       string
	Results  []Result
	Duration time.Duration
}

// Failed returns the results whose query failed.
func (b *Batch) Failed() []Result {
	var failed []Result
	for _, r := range b.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Succeeded returns the results whose query completed.
func (b *Batch) Succeeded() []Result {
	var ok []Result
	for _, r := range b.Results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}
	return ok
}

// Err returns a *BatchError describing every failed query, or nil.
func (b *Batch) Err() error {
	be := &BatchError{BatchID: b.ID, Total: len(b.Results)}
	for _, r := range b.Results {
		if r.Err != nil {
			be.Failed = append(be.Failed, r.Index)
			be.errs.Add(fmt.Errorf("query %d: %w", r.Index, r.Err))
		}
	}
	if len(be.Failed) == 0 {
		return nil
	}
	return be
}

// BatchError reports which queries of a batch failed. errors.Is and errors.As
// reach each underlying engine error.
type BatchError struct {
	BatchID string
	Failed  []int
	Total   int
	errs    utils.MultiError
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d queries failed: %s", len(e.Failed), e.Total, e.errs.Error())
}

func (e *BatchError) Unwrap() []error {
	return e.errs.Unwrap()
}

// Dispatcher runs batches of independent queries against one shared engine.
type Dispatcher struct {
	engine Engine
	opts   Options
	logger zerolog.Logger

	slot sync.Mutex // held around engine calls when opts.Serialize is set
}

// New creates a Dispatcher. The engine outlives the dispatcher and is closed by its owner.
func New(engine Engine, opts Options, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		opts:   opts,
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch submits every query concurrently and waits for all of them.
// A failing query never cancels or alters its siblings. The returned batch
// always holds one result per query; when any failed, a *BatchError is
// returned with it. Deadlines on ctx apply to the whole batch.
func (d *Dispatcher) Dispatch(ctx context.Context, queries []string) (*Batch, error) {
	batch := &Batch{
		ID:      uuid.NewString(),
		Results: make([]Result, len(queries)),
	}
	if len(queries) == 0 {
		return batch, nil
	}

	logger := d.logger.With().Str("batch_id", batch.ID).Logger()
	logger.Debug().Int("queries", len(queries)).Msg("dispatching batch")
	metrics.BatchSize.Observe(float64(len(queries)))

	// A plain group: no derived context, so one failure does not cancel the rest.
	var eg errgroup.Group
	if d.opts.MaxConcurrency > 0 {
		eg.SetLimit(d.opts.MaxConcurrency)
	}

	start := time.Now()
	for i, q := range queries {
		eg.Go(func() error {
			batch.Results[i] = d.execute(ctx, logger, i, q)
			return nil
		})
	}
	// Closures always return nil; failures live in batch.Results.
	_ = eg.Wait()
	batch.Duration = time.Since(start)

	err := batch.Err()
	if err != nil {
		logger.Warn().Err(err).Dur("duration", batch.Duration).Msg("batch finished with failures")
	} else {
		logger.Info().Int("queries", len(queries)).Dur("duration", batch.Duration).Msg("batch finished")
	}
	return batch, err
}

func (d *Dispatcher) execute(ctx context.Context, logger zerolog.Logger, index int, q string) Result {
	if d.opts.Serialize {
		d.slot.Lock()
		defer d.slot.Unlock()
	}

	start := time.Now()
	rows, err := d.engine.ExecuteAll(ctx, q)
	duration := time.Since(start)

	metrics.QueryDuration.Observe(duration.Seconds())
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(metrics.StatusFailure).Inc()
		logger.Warn().Err(err).Int("index", index).Dur("duration", duration).Msg("query failed")
		return Result{Index: index, Query: q, Duration: duration, Err: err}
	}

	metrics.QueriesTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	logger.Debug().Int("index", index).Int("rows", len(rows)).Dur("duration", duration).Msg("query finished")
	return Result{Index: index, Query: q, Rows: rows, Duration: duration}
}
