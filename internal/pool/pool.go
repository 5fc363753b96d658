// Package pool implements a heterogeneous worker pool over a single
// shared work-stealing queue, with retries and bail: N concurrent worker
// goroutines, fanned out with sync.WaitGroup, competing for items out of
// a shared channel.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bus"
	"github.com/rik9564/browsecraft/internal/model"
	"github.com/rik9564/browsecraft/internal/telemetry"
)

// Spawner produces the opaque session handle backing one Worker. The
// BiDi case wraps session.Launch; tests can supply a trivial stub.
type Spawner func(ctx context.Context, w model.Worker) (any, error)

// Executor runs one WorkItem against a worker's handle. Any returned
// error marks the attempt Failed; a nil error marks it Passed. Executors
// wanting to mark an item Skipped should return ErrSkip.
type Executor func(ctx context.Context, item model.WorkItem, handle any) error

// ErrSkip is returned by an Executor to mark an item Skipped rather than
// Failed or Passed.
var ErrSkip = skipSentinel{}

type skipSentinel struct{}

func (skipSentinel) Error() string { return "skipped" }

// Cleanup tears down a worker's handle during Terminate. Errors are
// swallowed.
type Cleanup func(ctx context.Context, handle any) error

// Config describes one browser's share of the pool.
type Config struct {
	Browser string
	Count int
}

// Options configures a Pool.
type Options struct {
	MaxRetries uint
	Bail bool
	Cleanup Cleanup
	Bus *bus.Bus
	Logger telemetry.Logger
	Metrics telemetry.Metrics
}

type workerSlot struct {
	info model.Worker
	handle any
	mu sync.Mutex
}

// Pool holds a fixed set of Workers across one or more browsers and
// distributes WorkItems across whichever are Idle via a single shared
// queue.
type Pool struct {
	opts Options
	mu sync.RWMutex
	workers []*workerSlot
}

// New constructs an empty Pool. Call Spawn before Execute.
func New(opts Options) *Pool {
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Pool{opts: opts}
}

// Bus returns the pool's event bus, so callers can subscribe to
// lifecycle events before Spawn/Execute run.
func (p *Pool) Bus() *bus.Bus { return p.opts.Bus }

// Spawn creates Count workers for each browser in configs and calls
// spawner for each. A spawner failure marks that single worker Errored
// and emits worker:error without poisoning the rest of the pool.
func (p *Pool) Spawn(ctx context.Context, configs []Config, spawner Spawner) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cfg := range configs {
		for i := 0; i < cfg.Count; i++ {
			info := model.Worker{
				ID: workerID(cfg.Browser, i),
				BrowserName: cfg.Browser,
				Index: i,
				State: model.WorkerSpawning,
			}
			slot := &workerSlot{info: info}
			p.workers = append(p.workers, slot)
			p.opts.Bus.Emit("worker:spawn", info)

			handle, err := spawner(ctx, info)
			if err != nil {
				slot.info.State = model.WorkerErrored
				p.opts.Bus.Emit("worker:error", struct {
					model.Worker
					Err error
				}{slot.info, err})
				p.opts.Logger.Error(ctx, "worker spawn failed", "worker", info.ID, "error", err)
				continue
			}
			slot.handle = handle
			slot.info.State = model.WorkerIdle
			p.opts.Bus.Emit("worker:ready", slot.info)
		}
	}
}

// workerID combines the browser name and slot index with a short uuid
// suffix so ids stay unique even across repeated Spawn calls in the same
// process.
func workerID(browser string, index int) string {
	return fmt.Sprintf("%s-%d-%s", browser, index, uuid.NewString()[:8])
}

// Idle returns a snapshot of every currently-idle worker, optionally
// restricted to one browser (empty string means every browser).
func (p *Pool) Idle(browser string) []model.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []model.Worker
	for _, s := range p.workers {
		s.mu.Lock()
		state, name := s.info.State, s.info.BrowserName
		s.mu.Unlock()
		if state == model.WorkerIdle && (browser == "" || browser == name) {
			out = append(out, s.info)
		}
	}
	return out
}

// Execute distributes items across every Idle worker regardless of
// browser. It blocks until the queue drains (or bail stops dispatch) and
// every in-flight attempt returns.
func (p *Pool) Execute(ctx context.Context, items []model.WorkItem, exec Executor) ([]model.ExecutionResult, error) {
	return p.execute(ctx, "", items, exec)
}

// ExecuteOnBrowser restricts distribution to the workers of one browser.
func (p *Pool) ExecuteOnBrowser(ctx context.Context, browser string, items []model.WorkItem, exec Executor) ([]model.ExecutionResult, error) {
	return p.execute(ctx, browser, items, exec)
}

type queuedItem struct {
	item model.WorkItem
	retries int
}

func (p *Pool) execute(ctx context.Context, browser string, items []model.WorkItem, exec Executor) ([]model.ExecutionResult, error) {
	slots := p.eligibleSlots(browser)
	if len(slots) == 0 {
		return nil, bcerr.ErrNoWorkers
	}

	// queue is sized so every possible requeue can be pushed without a
	// send ever blocking on a free receiver; outstanding tracks how many
	// items are still queued or in flight so the channel is closed
	// exactly once, the moment there is truly nothing left to hand out.
	capacity := len(items)*(int(p.opts.MaxRetries)+1) + len(slots) + 1
	queue := make(chan queuedItem, capacity)
	for _, it := range items {
		queue <- queuedItem{item: it}
		p.opts.Bus.Emit("item:enqueue", it)
	}
	total := int64(len(items))
	outstanding := total
	var closeOnce sync.Once

	var (
		resMu sync.Mutex
		results []model.ExecutionResult
		bailed bool
		wg sync.WaitGroup
	)

	finish := func(requeued bool) {
		if requeued {
			return
		}
		left := atomic.AddInt64(&outstanding, -1)
		p.opts.Bus.Emit("progress", struct {
			Completed int64
			Total int64
		}{total - left, total})
		if left == 0 {
			closeOnce.Do(func() { close(queue) })
		}
	}

	for _, slot := range slots {
		wg.Add(1)
		go func(slot *workerSlot) {
			defer wg.Done()
			for qi := range queue {
				resMu.Lock()
				drain := bailed
				resMu.Unlock()
				if drain {
					finish(false)
					continue
				}

				res := p.runOne(ctx, slot, qi, exec)

				requeued := false
				if res.Status == model.StatusFailed && qi.retries < int(p.opts.MaxRetries) {
					qi.retries++
					p.opts.Bus.Emit("item:retry", struct {
						model.WorkItem
						Retries int
					}{qi.item, qi.retries})
					queue <- qi
					requeued = true
				}

				resMu.Lock()
				results = append(results, res)
				if p.opts.Bail && res.Status == model.StatusFailed {
					bailed = true
				}
				resMu.Unlock()

				finish(requeued)
			}
		}(slot)
	}
	wg.Wait()

	return results, nil
}

func (p *Pool) eligibleSlots(browser string) []*workerSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*workerSlot
	for _, s := range p.workers {
		s.mu.Lock()
		state, name := s.info.State, s.info.BrowserName
		s.mu.Unlock()
		if state == model.WorkerErrored || state == model.WorkerTerminated {
			continue
		}
		if browser == "" || browser == name {
			out = append(out, s)
		}
	}
	return out
}

func (p *Pool) runOne(ctx context.Context, slot *workerSlot, qi queuedItem, exec Executor) model.ExecutionResult {
	slot.mu.Lock()
	slot.info.State = model.WorkerBusy
	handle := slot.handle
	info := slot.info
	slot.mu.Unlock()

	p.opts.Bus.Emit("item:start", qi.item)
	p.opts.Bus.Emit("worker:busy", info)

	started := time.Now()
	err := exec(ctx, qi.item, handle)
	elapsed := time.Since(started)

	res := model.ExecutionResult{
		WorkItem: qi.item,
		WorkerInfo: info,
		Browser: info.BrowserName,
		DurationMs: elapsed.Milliseconds(),
		Retries: qi.retries,
	}
	switch {
	case err == nil:
		res.Status = model.StatusPassed
		p.opts.Bus.Emit("item:pass", res)
	case err == ErrSkip:
		res.Status = model.StatusSkipped
		p.opts.Bus.Emit("item:skip", res)
	default:
		res.Status = model.StatusFailed
		res.Err = err
		p.opts.Bus.Emit("item:fail", res)
	}
	p.opts.Metrics.IncCounter("browsecraft.pool.items", 1, "status", string(res.Status), "browser", info.BrowserName)
	p.opts.Metrics.RecordTimer("browsecraft.pool.item.duration", elapsed, "browser", info.BrowserName)
	p.opts.Bus.Emit("item:end", res)

	slot.mu.Lock()
	slot.info.State = model.WorkerIdle
	slot.info.CompletedCount++
	info = slot.info
	slot.mu.Unlock()
	p.opts.Bus.Emit("worker:idle", info)

	return res
}

// Terminate tears down every worker's handle via the configured Cleanup,
// transitioning each to Terminated. Cleanup errors are swallowed; callers
// that need them should log inside Cleanup itself.
func (p *Pool) Terminate(ctx context.Context) {
	p.mu.RLock()
	slots := append([]*workerSlot(nil), p.workers...)
	p.mu.RUnlock()

	for _, slot := range slots {
		slot.mu.Lock()
		handle := slot.handle
		slot.mu.Unlock()
		if p.opts.Cleanup != nil && handle != nil {
			_ = p.opts.Cleanup(ctx, handle)
		}
		slot.mu.Lock()
		slot.info.State = model.WorkerTerminated
		info := slot.info
		slot.mu.Unlock()
		p.opts.Bus.Emit("worker:terminate", info)
	}
}

// Workers returns a snapshot of every worker's current state.
func (p *Pool) Workers() []model.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Worker, 0, len(p.workers))
	for _, s := range p.workers {
		s.mu.Lock()
		out = append(out, s.info)
		s.mu.Unlock()
	}
	return out
}
