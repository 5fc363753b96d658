package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/model"
	"github.com/rik9564/browsecraft/internal/telemetry"
)

func noopSpawner(ctx context.Context, w model.Worker) (any, error) { return w.ID, nil }

func items(n int) []model.WorkItem {
	out := make([]model.WorkItem, n)
	for i := range out {
		out[i] = model.WorkItem{ID: string(rune('a' + i%26)) + "-item", Title: "item"}
	}
	return out
}

// TestExecuteFairness checks queue fairness: for K idle workers and
// N ≥ K items with equal-duration executors, every worker executes
// ≥ floor(N/K) items.
func TestExecuteFairness(t *testing.T) {
	p := New(Options{})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 2}}, noopSpawner)

	var counts sync.Map
	exec := func(ctx context.Context, item model.WorkItem, handle any) error {
		v, _ := counts.LoadOrStore(handle, new(int64))
		atomic.AddInt64(v.(*int64), 1)
		// A tiny equal-duration sleep keeps either worker from draining
		// the whole queue before the other gets scheduled.
		time.Sleep(time.Millisecond)
		return nil
	}

	results, err := p.Execute(context.Background(), items(100), exec)
	require.NoError(t, err)
	assert.Len(t, results, 100)

	total := 0
	counts.Range(func(_, v any) bool {
		c := int(atomic.LoadInt64(v.(*int64)))
		assert.GreaterOrEqual(t, c, 40)
		assert.LessOrEqual(t, c, 60)
		total += c
		return true
	})
	assert.Equal(t, 100, total)
}

// TestRetryCap verifies retries <= MaxRetries for every result, and that
// a passed result implies the last attempt passed (i.e. retries stop
// once an attempt passes).
func TestRetryCap(t *testing.T) {
	p := New(Options{MaxRetries: 2})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}}, noopSpawner)

	var attempts int64
	exec := func(ctx context.Context, item model.WorkItem, handle any) error {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			return errors.New("boom")
		}
		return nil
	}

	// One result per attempt: the failed first attempt, then the pass.
	results, err := p.Execute(context.Background(), items(1), exec)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.LessOrEqual(t, r.Retries, 2)
	}
	assert.Equal(t, model.StatusPassed, results[1].Status)
}

// TestRetryExhaustion verifies an item that never succeeds is reported
// Failed after exactly MaxRetries requeues.
func TestRetryExhaustion(t *testing.T) {
	p := New(Options{MaxRetries: 3})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}}, noopSpawner)

	exec := func(ctx context.Context, item model.WorkItem, handle any) error {
		return errors.New("always fails")
	}

	// One result per attempt: the first try plus three retries.
	results, err := p.Execute(context.Background(), items(1), exec)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, model.StatusFailed, results[3].Status)
	assert.Equal(t, 3, results[3].Retries)
}

// TestBailStopsDispatch checks bail semantics: bail stops dispatch of
// new work but never cancels in-flight attempts.
func TestBailStopsDispatch(t *testing.T) {
	p := New(Options{Bail: true})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}}, noopSpawner)

	var started int64
	exec := func(ctx context.Context, item model.WorkItem, handle any) error {
		n := atomic.AddInt64(&started, 1)
		if n == 1 {
			return errors.New("first fails")
		}
		return nil
	}

	results, err := p.Execute(context.Background(), items(20), exec)
	require.NoError(t, err)
	assert.Less(t, len(results), 20, "bail must stop dispatch before every item runs")
}

func TestExecuteNoWorkersFails(t *testing.T) {
	p := New(Options{})
	_, err := p.Execute(context.Background(), items(1), func(context.Context, model.WorkItem, any) error { return nil })
	assert.ErrorIs(t, err, bcerr.ErrNoWorkers)
}

func TestSpawnerFailureKeepsPoolAlive(t *testing.T) {
	p := New(Options{})
	calls := 0
	spawner := func(ctx context.Context, w model.Worker) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("launch failed")
		}
		return w.ID, nil
	}
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 2}}, spawner)

	workers := p.Workers()
	require.Len(t, workers, 2)
	errored, idle := 0, 0
	for _, w := range workers {
		switch w.State {
		case model.WorkerErrored:
			errored++
		case model.WorkerIdle:
			idle++
		}
	}
	assert.Equal(t, 1, errored)
	assert.Equal(t, 1, idle)

	results, err := p.Execute(context.Background(), items(4), func(context.Context, model.WorkItem, any) error { return nil })
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestExecuteSkipStatus(t *testing.T) {
	p := New(Options{})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}}, noopSpawner)
	results, err := p.Execute(context.Background(), items(1), func(context.Context, model.WorkItem, any) error { return ErrSkip })
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusSkipped, results[0].Status)
}

func TestExecuteOnBrowserRestrictsToOneBrowser(t *testing.T) {
	p := New(Options{})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}, {Browser: "firefox", Count: 1}}, noopSpawner)

	var browsers sync.Map
	results, err := p.ExecuteOnBrowser(context.Background(), "chrome", items(5), func(ctx context.Context, item model.WorkItem, handle any) error {
		browsers.Store(handle, true)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, results, 5)
	for _, r := range results {
		assert.Equal(t, "chrome", r.Browser)
	}
}

func TestTerminateTransitionsWorkersAndRunsCleanup(t *testing.T) {
	var cleaned int64
	p := New(Options{Cleanup: func(ctx context.Context, handle any) error {
		atomic.AddInt64(&cleaned, 1)
		return nil
	}})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 3}}, noopSpawner)
	p.Terminate(context.Background())

	assert.Equal(t, int64(3), atomic.LoadInt64(&cleaned))
	for _, w := range p.Workers() {
		assert.Equal(t, model.WorkerTerminated, w.State)
	}
}

func TestExecuteEmitsEnqueueAndProgressEvents(t *testing.T) {
	p := New(Options{})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}}, noopSpawner)

	var mu sync.Mutex
	var enqueued, progressed int
	p.Bus().On("item:enqueue", func(_ string, _ any) {
		mu.Lock()
		enqueued++
		mu.Unlock()
	})
	p.Bus().On("progress", func(_ string, _ any) {
		mu.Lock()
		progressed++
		mu.Unlock()
	})

	_, err := p.Execute(context.Background(), items(5), func(context.Context, model.WorkItem, any) error { return nil })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, enqueued)
	assert.Equal(t, 5, progressed)
}

// captureMetrics counts IncCounter calls keyed by name and status tag.
type captureMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

var _ telemetry.Metrics = (*captureMetrics)(nil)

func (m *captureMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]float64{}
	}
	key := name
	for i := 0; i+1 < len(tags); i += 2 {
		if tags[i] == "status" {
			key += ":" + tags[i+1]
		}
	}
	m.counts[key] += value
}

func (m *captureMetrics) RecordTimer(string, time.Duration, ...string) {}
func (m *captureMetrics) RecordGauge(string, float64, ...string)      {}

func TestExecuteCountsItemStatuses(t *testing.T) {
	m := &captureMetrics{}
	p := New(Options{Metrics: m})
	p.Spawn(context.Background(), []Config{{Browser: "chrome", Count: 1}}, noopSpawner)

	var n int64
	exec := func(ctx context.Context, item model.WorkItem, handle any) error {
		switch atomic.AddInt64(&n, 1) {
		case 1:
			return errors.New("boom")
		case 2:
			return ErrSkip
		default:
			return nil
		}
	}
	_, err := p.Execute(context.Background(), items(3), exec)
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, float64(1), m.counts["browsecraft.pool.items:passed"])
	assert.Equal(t, float64(1), m.counts["browsecraft.pool.items:failed"])
	assert.Equal(t, float64(1), m.counts["browsecraft.pool.items:skipped"])
}
