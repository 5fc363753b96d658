// Package hooks implements scoped lifecycle hooks with tag predicates and
// priority ordering. Unlike internal/bus's fire-and-forget subscribers,
// hooks here are an ordered, awaited pipeline that the caller runs
// synchronously and whose first error is surfaced to the caller.
package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
)

// Scope is one of the eight lifecycle phases a hook can bind to.
type Scope string

const (
	BeforeAll Scope = "beforeAll"
	AfterAll Scope = "afterAll"
	BeforeFeature Scope = "beforeFeature"
	AfterFeature Scope = "afterFeature"
	BeforeScenario Scope = "beforeScenario"
	AfterScenario Scope = "afterScenario"
	BeforeStep Scope = "beforeStep"
	AfterStep Scope = "afterStep"
)

// DefaultPriority and DefaultTimeout mirror the HookRegistration
// defaults (priority 1000, 30s timeout).
const (
	DefaultPriority = 1000
	DefaultTimeout = 30 * time.Second
)

// Context is threaded through every hook invocation. Tags is the
// effective tag set the scope predicate is evaluated against; World and
// Extra carry whatever the BddExecutor's caller wants visible to hooks
// (the scenario world, the step result so far, and so on).
type Context struct {
	Tags []string
	World any
	Extra map[string]any
}

// Fn is a registered hook's implementation.
type Fn func(ctx context.Context, hctx Context) error

// Options configures one hook registration. Priority is a pointer so an
// explicit 0 (run before every default-priority hook) is distinguishable
// from "not set".
type Options struct {
	Priority *int // lower runs first; nil means DefaultPriority
	TimeoutMs int // default 30_000
	TagFilter tags.Expr // nil means the hook always runs
}

type registration struct {
	scope Scope
	fn Fn
	priority int
	timeout time.Duration
	tagFilter tags.Expr
}

// Registry holds every hook registration for a run. It is built once
// during setup; Run is safe for concurrent use once registration is done.
type Registry struct {
	mu sync.RWMutex
	byScope map[Scope][]*registration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byScope: make(map[Scope][]*registration)}
}

// Register adds fn to run whenever scope fires and hctx.Tags satisfies
// opts.TagFilter (if any).
func (r *Registry) Register(scope Scope, fn Fn, opts Options) {
	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reg := &registration{scope: scope, fn: fn, priority: priority, timeout: timeout, tagFilter: opts.TagFilter}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byScope[scope] = append(r.byScope[scope], reg)
}

// Run selects every registration for scope whose tag filter matches
// hctx.Tags, sorts by priority ascending, and executes them in order,
// each wrapped by its own timeout. In the afterScenario/afterFeature/
// afterAll family every selected hook runs regardless of an earlier
// hook's error; the first error encountered is returned after every hook
// has run. In every other scope, Run stops and returns on the first
// error (a before-phase hook failing should abort the phase it guards).
func (r *Registry) Run(ctx context.Context, scope Scope, hctx Context) error {
	r.mu.RLock()
	regs := append([]*registration(nil), r.byScope[scope]...)
	r.mu.RUnlock()

	selected := make([]*registration, 0, len(regs))
	for _, reg := range regs {
		if reg.tagFilter != nil && !tags.Evaluate(reg.tagFilter, hctx.Tags) {
			continue
		}
		selected = append(selected, reg)
	}
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].priority < selected[j].priority })

	runAllRegardless := isAfterFamily(scope)

	var firstErr error
	for _, reg := range selected {
		err := runOne(ctx, reg, hctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil && !runAllRegardless {
			return err
		}
	}
	return firstErr
}

func isAfterFamily(scope Scope) bool {
	switch scope {
	case AfterAll, AfterFeature, AfterScenario:
		return true
	default:
		return false
	}
}

// runOne invokes reg.fn under a deadline timer that is always cancelled,
// whether the hook returns normally, errors, or times out.
func runOne(ctx context.Context, reg *registration, hctx Context) error {
	callCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- reg.fn(callCtx, hctx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return bcerr.NewTimeout(string(reg.scope)+" hook", reg.timeout)
	}
}
