package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iwanhae/partq/internal/engine"
	"github.com/iwanhae/partq/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errSyntax = errors.New("syntax error")

// fakeEngine answers "SELECT <n>" with one row {"n": <n>} and rejects
// anything starting with "BAD". It tracks the peak number of concurrent calls.
type fakeEngine struct {
	delay time.Duration

	active atomic.Int32
	peak   atomic.Int32
	calls  atomic.Int32
}

func (f *fakeEngine) ExecuteAll(ctx context.Context, sql string) ([]map[string]any, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if strings.HasPrefix(sql, "BAD") {
		return nil, fmt.Errorf("%w near %q", errSyntax, sql)
	}
	var v int
	if _, err := fmt.Sscanf(sql, "SELECT %d", &v); err != nil {
		return nil, err
	}
	return []map[string]any{{"n": v}}, nil
}

func TestDispatchReturnsOneResultPerQuery(t *testing.T) {
	eng := &fakeEngine{delay: 10 * time.Millisecond}
	d := New(eng, Options{}, zerolog.Nop())

	queries := []string{"SELECT 3", "SELECT 1", "SELECT 2", "SELECT 1"}
	batch, err := d.Dispatch(context.Background(), queries)
	require.NoError(t, err)
	require.NotEmpty(t, batch.ID)
	require.Len(t, batch.Results, len(queries))

	for i, r := range batch.Results {
		require.Equal(t, i, r.Index)
		require.Equal(t, queries[i], r.Query)
		require.NoError(t, r.Err)
		require.GreaterOrEqual(t, r.Duration, time.Duration(0))
		require.Len(t, r.Rows, 1)
	}
	// Identical query texts keep separate entries.
	require.Equal(t, 1, batch.Results[1].Rows[0]["n"])
	require.Equal(t, 1, batch.Results[3].Rows[0]["n"])
	require.Equal(t, 3, batch.Results[0].Rows[0]["n"])
	require.Len(t, batch.Succeeded(), 4)
	require.Empty(t, batch.Failed())
}

func TestDispatchRunsConcurrently(t *testing.T) {
	eng := &fakeEngine{delay: 100 * time.Millisecond}
	d := New(eng, Options{}, zerolog.Nop())

	queries := make([]string, 5)
	for i := range queries {
		queries[i] = fmt.Sprintf("SELECT %d", i)
	}
	batch, err := d.Dispatch(context.Background(), queries)
	require.NoError(t, err)
	require.EqualValues(t, 5, eng.peak.Load(), "all queries should be in flight together")
	require.Less(t, batch.Duration, 400*time.Millisecond)
}

func TestDispatchMaxConcurrency(t *testing.T) {
	eng := &fakeEngine{delay: 20 * time.Millisecond}
	d := New(eng, Options{MaxConcurrency: 2}, zerolog.Nop())

	queries := make([]string, 6)
	for i := range queries {
		queries[i] = fmt.Sprintf("SELECT %d", i)
	}
	_, err := d.Dispatch(context.Background(), queries)
	require.NoError(t, err)
	require.LessOrEqual(t, eng.peak.Load(), int32(2))
	require.EqualValues(t, 6, eng.calls.Load())
}

func TestDispatchSerialize(t *testing.T) {
	eng := &fakeEngine{delay: 10 * time.Millisecond}
	d := New(eng, Options{Serialize: true}, zerolog.Nop())

	queries := []string{"SELECT 1", "SELECT 2", "SELECT 3", "SELECT 4"}
	batch, err := d.Dispatch(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, batch.Results, 4)
	require.EqualValues(t, 1, eng.peak.Load(), "only one query may be active at a time")
}

func TestDispatchPartialFailure(t *testing.T) {
	eng := &fakeEngine{delay: 5 * time.Millisecond}
	d := New(eng, Options{}, zerolog.Nop())

	queries := []string{"SELECT 1", "BAD SQL", "SELECT 2"}
	batch, err := d.Dispatch(context.Background(), queries)
	require.Error(t, err)
	require.ErrorIs(t, err, errSyntax)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.Equal(t, []int{1}, be.Failed)
	require.Equal(t, 3, be.Total)
	require.Equal(t, batch.ID, be.BatchID)
	require.Contains(t, be.Error(), "1 of 3 queries failed")

	require.Len(t, batch.Results, 3)
	require.ErrorIs(t, batch.Results[1].Err, errSyntax)
	require.Nil(t, batch.Results[1].Rows)

	require.NoError(t, batch.Results[0].Err)
	require.Equal(t, []map[string]any{{"n": 1}}, batch.Results[0].Rows)
	require.NoError(t, batch.Results[2].Err)
	require.Equal(t, []map[string]any{{"n": 2}}, batch.Results[2].Rows)

	require.Len(t, batch.Failed(), 1)
	require.Len(t, batch.Succeeded(), 2)
}

func TestDispatchEmptyBatch(t *testing.T) {
	d := New(&fakeEngine{}, Options{}, zerolog.Nop())

	batch, err := d.Dispatch(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, batch.Results)
}

func TestDispatchDeadlineAppliesToBatch(t *testing.T) {
	eng := &fakeEngine{delay: time.Second}
	d := New(eng, Options{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	batch, err := d.Dispatch(ctx, []string{"SELECT 1", "SELECT 2"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, batch.Failed(), 2)
}

func TestDispatchMetrics(t *testing.T) {
	success := testutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusSuccess))
	failure := testutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusFailure))

	d := New(&fakeEngine{}, Options{}, zerolog.Nop())
	_, _ = d.Dispatch(context.Background(), []string{"SELECT 1", "BAD", "SELECT 2"})

	require.Equal(t, success+2, testutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusSuccess)))
	require.Equal(t, failure+1, testutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusFailure)))
}

// TestDispatchWithDuckDB runs a batch with one malformed query on a real engine.
func TestDispatchWithDuckDB(t *testing.T) {
	eng, err := engine.Open(engine.Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	d := New(eng, Options{}, zerolog.Nop())

	var wg sync.WaitGroup
	batches := make([]*Batch, 3)
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batches[i], _ = d.Dispatch(context.Background(), []string{
				"SELECT 42 AS the_answer",
				"SELEC nonsense",
				"SELECT count(*) AS n FROM range(1000)",
			})
		}(i)
	}
	wg.Wait()

	for _, batch := range batches {
		require.Len(t, batch.Results, 3)
		require.NoError(t, batch.Results[0].Err)
		require.EqualValues(t, 42, batch.Results[0].Rows[0]["the_answer"])
		require.Error(t, batch.Results[1].Err)
		require.NoError(t, batch.Results[2].Err)
		require.EqualValues(t, 1000, batch.Results[2].Rows[0]["n"])
	}
}
