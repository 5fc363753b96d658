// Package scheduler implements the three execution strategies (parallel,
// sequential, matrix) layered on top of internal/pool, plus the
// grep/tag-expression filters applied before distribution and the
// run:start/browser:start/browser:end/run:end lifecycle events.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
	"github.com/rik9564/browsecraft/internal/bus"
	"github.com/rik9564/browsecraft/internal/model"
	"github.com/rik9564/browsecraft/internal/pool"
)

// Strategy names one of the three execution strategies.
type Strategy string

const (
	Parallel Strategy = "parallel"
	Sequential Strategy = "sequential"
	Matrix Strategy = "matrix"
)

// Options configures one Scheduler run.
type Options struct {
	Strategy Strategy
	Browsers []string // config order; Sequential/Matrix honour this order
	Grep string
	TagExpr tags.Expr
	Bus *bus.Bus
}

// Scheduler drives a Pool through one of the three strategies over a set
// of WorkItems.
type Scheduler struct {
	pool *pool.Pool
	opts Options
}

// New constructs a Scheduler bound to pool. A single-browser matrix
// collapses to parallel.
func New(p *pool.Pool, opts Options) *Scheduler {
	if opts.Bus == nil {
		opts.Bus = p.Bus()
	}
	if opts.Strategy == "" {
		opts.Strategy = Matrix
	}
	if opts.Strategy == Matrix && len(opts.Browsers) <= 1 {
		opts.Strategy = Parallel
	}
	return &Scheduler{pool: p, opts: opts}
}

// Run filters items, dispatches them per the configured strategy, and
// returns every per-attempt ExecutionResult produced.
func (s *Scheduler) Run(ctx context.Context, items []model.WorkItem, exec pool.Executor) ([]model.ExecutionResult, error) {
	filtered := s.filter(items)
	started := time.Now()
	s.opts.Bus.Emit("run:start", struct {
		Strategy Strategy
		Browsers []string
		Total int
	}{s.opts.Strategy, s.opts.Browsers, len(filtered)})

	var (
		results []model.ExecutionResult
		err error
	)
	switch s.opts.Strategy {
	case Parallel:
		results, err = s.pool.Execute(ctx, filtered, exec)
	case Sequential:
		results, err = s.runSequential(ctx, filtered, exec)
	case Matrix:
		results, err = s.runMatrix(ctx, filtered, exec)
	default:
		return nil, &bcerr.UnknownStrategyError{Strategy: string(s.opts.Strategy)}
	}

	s.opts.Bus.Emit("run:end", struct {
		Strategy Strategy
		DurationMs int64
		Results int
	}{s.opts.Strategy, time.Since(started).Milliseconds(), len(results)})

	return results, err
}

// filter applies grep (case-insensitive substring on title) and the tag
// expression (items with no tags fail any expression that requires a
// tag) before distribution.
func (s *Scheduler) filter(items []model.WorkItem) []model.WorkItem {
	out := make([]model.WorkItem, 0, len(items))
	for _, it := range items {
		if s.opts.Grep != "" && !strings.Contains(strings.ToLower(it.Title), strings.ToLower(s.opts.Grep)) {
			continue
		}
		if s.opts.TagExpr != nil && !tags.Evaluate(s.opts.TagExpr, it.Tags) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// runSequential runs all items on one browser's workers at a time, in
// Options.Browsers order, before moving to the next browser.
func (s *Scheduler) runSequential(ctx context.Context, items []model.WorkItem, exec pool.Executor) ([]model.ExecutionResult, error) {
	var all []model.ExecutionResult
	for _, browser := range s.opts.Browsers {
		s.opts.Bus.Emit("browser:start", browser)
		started := time.Now()
		res, err := s.pool.ExecuteOnBrowser(ctx, browser, items, exec)
		s.opts.Bus.Emit("browser:end", struct {
			Browser string
			DurationMs int64
		}{browser, time.Since(started).Milliseconds()})
		if err != nil {
			return all, err
		}
		all = append(all, res...)
	}
	return all, nil
}

// runMatrix runs every item once per browser, with browsers running
// concurrently, producing a full scenario×browser grid.
func (s *Scheduler) runMatrix(ctx context.Context, items []model.WorkItem, exec pool.Executor) ([]model.ExecutionResult, error) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		all []model.ExecutionResult
		firstErr error
	)
	for _, browser := range s.opts.Browsers {
		wg.Add(1)
		go func(browser string) {
			defer wg.Done()
			s.opts.Bus.Emit("browser:start", browser)
			started := time.Now()
			res, err := s.pool.ExecuteOnBrowser(ctx, browser, items, exec)
			s.opts.Bus.Emit("browser:end", struct {
				Browser string
				DurationMs int64
			}{browser, time.Since(started).Milliseconds()})

			mu.Lock()
			all = append(all, res...)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(browser)
	}
	wg.Wait()
	return all, firstErr
}
