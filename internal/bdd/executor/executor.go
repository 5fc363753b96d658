// Package executor drives a parsed Gherkin document against a
// StepRegistry and HookRegistry, expanding Scenario Outlines, enforcing
// per-step timeouts, honouring grep/tag/custom filters, and producing
// the result tree from internal/bdd/result. Execution is phase-wrapped:
// hook activities bracket each run, and hook errors are attached to the
// result rather than aborting it, applied across a full
// feature/scenario/step tree rather than a single call.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bdd/gherkin"
	"github.com/rik9564/browsecraft/internal/bdd/hooks"
	"github.com/rik9564/browsecraft/internal/bdd/result"
	"github.com/rik9564/browsecraft/internal/bdd/steps"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
	"github.com/rik9564/browsecraft/internal/telemetry"
)

// DefaultStepTimeout is the default per-step deadline.
const DefaultStepTimeout = 60 * time.Second

// WorldFactory builds a fresh world value for one scenario. A non-nil
// error marks the scenario Failed with HookErr set, but afterScenario
// still runs.
type WorldFactory func() (any, error)

// ScenarioFilter is a caller-supplied predicate evaluated before grep/tag
// filtering.
type ScenarioFilter func(scenario gherkin.Scenario, tags []string, uri string) bool

// AIMode is the operating mode of an optional AI step fallthrough
// collaborator.
type AIMode string

const (
	AIAuto AIMode = "auto"
	AIWarm AIMode = "warm"
	AILocked AIMode = "locked"
)

// AIPlan is a cached or freshly-probed action plan returned by an
// AIStepExecutor. Assertion plans may contain an "evaluate" action;
// non-assertion plans may not.
type AIPlan struct {
	Assertion bool
	Actions []AIAction
}

// AIAction is one action within an AIPlan.
type AIAction struct {
	Kind string
	Args map[string]any
}

// AIStepResult is returned by AIStepExecutor.Execute.
type AIStepResult struct {
	Handled bool
	Passed bool
	Err error
	Plan *AIPlan
	FromCache bool
}

// AIStepExecutor is the external collaborator contract for AI-assisted
// step fallthrough. It is entirely external to the core;
// the core only contracts its shape and never implements one itself.
type AIStepExecutor interface {
	Mode() AIMode
	Execute(ctx context.Context, stepText string, world any) (AIStepResult, error)
}

// Options configures an Executor.
type Options struct {
	World WorldFactory
	Steps *steps.StepRegistry
	Hooks *hooks.Registry
	ScenarioFilter ScenarioFilter
	Grep string
	TagExpr tags.Expr
	StepTimeout time.Duration
	FailFast bool
	AI AIStepExecutor
	AITimeout time.Duration
	ActionTimeout time.Duration
	OnScenarioEnd func(result.ScenarioResult)
	Logger telemetry.Logger
	Metrics telemetry.Metrics
}

// Executor runs Gherkin documents against a fixed StepRegistry and
// HookRegistry. It holds no per-run mutable state beyond
// the fail-fast flag, so a single Executor is reused across the full
// RunAll call.
type Executor struct {
	opts Options
	failFired atomic.Bool
}

// New constructs an Executor. Steps must be non-nil; a nil Hooks gets an
// empty registry, and every other field has a documented default.
func New(opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.New()
	}
	return &Executor{opts: opts}
}

// RunAll fires beforeAll, runs every document in order (stopping early
// once FailFast trips after a failing scenario), and fires afterAll.
func (e *Executor) RunAll(ctx context.Context, docs []*gherkin.Document) ([]result.FeatureResult, error) {
	if err := e.opts.Hooks.Run(ctx, hooks.BeforeAll, hooks.Context{}); err != nil {
		return nil, err
	}
	var out []result.FeatureResult
	for _, doc := range docs {
		fr := e.RunDocument(ctx, doc)
		out = append(out, fr)
		if e.failFired.Load() {
			break
		}
	}
	afterErr := e.opts.Hooks.Run(ctx, hooks.AfterAll, hooks.Context{})
	return out, afterErr
}

// RunDocument runs one parsed feature file. A document with no Feature
// (the parser's degraded output) yields an empty result rather than an
// error.
func (e *Executor) RunDocument(ctx context.Context, doc *gherkin.Document) result.FeatureResult {
	fr := result.FeatureResult{URI: doc.URI}
	if doc.Feature == nil {
		return fr
	}
	feature := doc.Feature
	fr.Name = feature.Name

	if err := e.opts.Hooks.Run(ctx, hooks.BeforeFeature, hooks.Context{Tags: feature.Tags}); err != nil {
		e.opts.Logger.Error(ctx, "beforeFeature hook failed", "feature", feature.Name, "error", err)
	}

	for _, sc := range feature.Scenarios {
		e.runScenarioOrOutline(ctx, &fr, feature, nil, backgroundSteps(feature.Background), sc)
		if e.failFired.Load() {
			break
		}
	}
	if !e.failFired.Load() {
		for _, rule := range feature.Rules {
			for _, sc := range rule.Scenarios {
				e.runScenarioOrOutline(ctx, &fr, feature, &rule, mergeBackgrounds(feature.Background, rule.Background), sc)
				if e.failFired.Load() {
					break
				}
			}
			if e.failFired.Load() {
				break
			}
		}
	}

	if err := e.opts.Hooks.Run(ctx, hooks.AfterFeature, hooks.Context{Tags: feature.Tags}); err != nil {
		e.opts.Logger.Error(ctx, "afterFeature hook failed", "feature", feature.Name, "error", err)
	}
	return fr
}

// backgroundSteps returns a Background's steps, or nil if bg is nil.
func backgroundSteps(bg *gherkin.Background) []gherkin.Step {
	if bg == nil {
		return nil
	}
	return bg.Steps
}

// mergeBackgrounds concatenates a feature's background steps with a
// rule's own (Gherkin runs the feature background, then the rule
// background, then the scenario's own steps).
func mergeBackgrounds(feature, rule *gherkin.Background) []gherkin.Step {
	var out []gherkin.Step
	if feature != nil {
		out = append(out, feature.Steps...)
	}
	if rule != nil {
		out = append(out, rule.Steps...)
	}
	return out
}

func (e *Executor) runScenarioOrOutline(ctx context.Context, fr *result.FeatureResult, feature *gherkin.Feature, rule *gherkin.Rule, background []gherkin.Step, sc gherkin.Scenario) {
	ruleTags := []string(nil)
	if rule != nil {
		ruleTags = rule.Tags
	}
	if !sc.IsOutline() {
		e.runOneScenario(ctx, fr, feature.Tags, ruleTags, background, sc)
		return
	}
	for _, ex := range sc.Examples {
		for _, row := range ex.TableBody {
			expanded := expandScenario(sc, ex, row)
			e.runOneScenario(ctx, fr, feature.Tags, ruleTags, background, expanded)
			if e.failFired.Load() {
				return
			}
		}
	}
}

// expandScenario substitutes one Examples row's <col> placeholders into
// a copy of the outline scenario's steps and tags.
func expandScenario(outline gherkin.Scenario, ex gherkin.Examples, row []string) gherkin.Scenario {
	substitutions := make(map[string]string, len(ex.TableHeader))
	for i, col := range ex.TableHeader {
		if i < len(row) {
			substitutions[col] = row[i]
		}
	}
	expanded := outline
	expanded.Tags = unionTags(outline.Tags, ex.Tags)
	expanded.Steps = make([]gherkin.Step, len(outline.Steps))
	for i, st := range outline.Steps {
		st.Text = substitutePlaceholders(st.Text, substitutions)
		if st.DocString != nil {
			ds := *st.DocString
			ds.Content = substitutePlaceholders(ds.Content, substitutions)
			st.DocString = &ds
		}
		if st.DataTable != nil {
			dt := *st.DataTable
			rows := make([][]string, len(st.DataTable.Rows))
			for r, row := range st.DataTable.Rows {
				cells := make([]string, len(row))
				for c, cell := range row {
					cells[c] = substitutePlaceholders(cell, substitutions)
				}
				rows[r] = cells
			}
			dt.Rows = rows
			st.DataTable = &dt
		}
		expanded.Steps[i] = st
	}
	return expanded
}

var placeholderRe = regexp.MustCompile(`<([^<>]+)>`)

func substitutePlaceholders(text string, substitutions map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := substitutions[name]; ok {
			return v
		}
		return token
	})
}

func unionTags(sets ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, set := range sets {
		for _, t := range set {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// ScenarioUnit is one fully-resolved scenario (or one expanded Examples
// row), independent of any shared FeatureResult. It is the unit ExpandScenarios
// produces so the Scheduler/Pool can dispatch individual scenarios across
// worker goroutines.
type ScenarioUnit struct {
	URI string
	FeatureName string
	FeatureTags []string
	RuleTags []string
	Background []gherkin.Step
	Scenario gherkin.Scenario
}

// ExpandScenarios flattens every scenario in doc - including every row of
// every Scenario Outline - into independent ScenarioUnits.
func ExpandScenarios(doc *gherkin.Document) []ScenarioUnit {
	var out []ScenarioUnit
	if doc.Feature == nil {
		return out
	}
	feature := doc.Feature
	out = append(out, expandOne(doc.URI, feature, nil, backgroundSteps(feature.Background), feature.Scenarios)...)
	for i := range feature.Rules {
		rule := &feature.Rules[i]
		out = append(out, expandOne(doc.URI, feature, rule, mergeBackgrounds(feature.Background, rule.Background), rule.Scenarios)...)
	}
	return out
}

func expandOne(uri string, feature *gherkin.Feature, rule *gherkin.Rule, background []gherkin.Step, scenarios []gherkin.Scenario) []ScenarioUnit {
	var ruleTags []string
	if rule != nil {
		ruleTags = rule.Tags
	}
	var out []ScenarioUnit
	for _, sc := range scenarios {
		if !sc.IsOutline() {
			out = append(out, ScenarioUnit{URI: uri, FeatureName: feature.Name, FeatureTags: feature.Tags, RuleTags: ruleTags, Background: background, Scenario: sc})
			continue
		}
		for _, ex := range sc.Examples {
			for _, row := range ex.TableBody {
				out = append(out, ScenarioUnit{URI: uri, FeatureName: feature.Name, FeatureTags: feature.Tags, RuleTags: ruleTags, Background: background, Scenario: expandScenario(sc, ex, row)})
			}
		}
	}
	return out
}

func (e *Executor) runOneScenario(ctx context.Context, fr *result.FeatureResult, featureTags, ruleTags []string, background []gherkin.Step, sc gherkin.Scenario) {
	sr := e.execScenario(ctx, fr.URI, featureTags, ruleTags, background, sc)
	fr.Summary.Merge(sr.Status)
	fr.Scenarios = append(fr.Scenarios, sr)
}

// RunUnit runs a single ScenarioUnit produced by ExpandScenarios. Unlike
// runOneScenario it folds nothing into a shared FeatureResult, making it
// safe to call concurrently from multiple worker goroutines - the entry
// point a pool.Executor closure calls to run one BDD scenario per item.
func (e *Executor) RunUnit(ctx context.Context, unit ScenarioUnit) result.ScenarioResult {
	return e.execScenario(ctx, unit.URI, unit.FeatureTags, unit.RuleTags, unit.Background, unit.Scenario)
}

// execScenario runs the filters, world/hook/step lifecycle, and status
// derivation for one scenario. It is the shared
// core behind both the sequential RunDocument traversal and the
// concurrency-safe RunUnit entry point.
func (e *Executor) execScenario(ctx context.Context, uri string, featureTags, ruleTags []string, background []gherkin.Step, sc gherkin.Scenario) result.ScenarioResult {
	effectiveTags := unionTags(featureTags, ruleTags, sc.Tags)

	if e.opts.ScenarioFilter != nil && !e.opts.ScenarioFilter(sc, effectiveTags, uri) {
		return result.ScenarioResult{Name: sc.Name, Status: result.ScenarioSkipped, Tags: effectiveTags, Line: sc.Line}
	}
	if e.opts.Grep != "" && !strings.Contains(strings.ToLower(sc.Name), strings.ToLower(e.opts.Grep)) {
		return result.ScenarioResult{Name: sc.Name, Status: result.ScenarioSkipped, Tags: effectiveTags, Line: sc.Line}
	}
	if e.opts.TagExpr != nil && !tags.Evaluate(e.opts.TagExpr, effectiveTags) {
		return result.ScenarioResult{Name: sc.Name, Status: result.ScenarioSkipped, Tags: effectiveTags, Line: sc.Line}
	}

	started := time.Now()
	sr := result.ScenarioResult{Name: sc.Name, Tags: effectiveTags, Line: sc.Line}

	var world any
	var worldErr error
	if e.opts.World != nil {
		world, worldErr = e.opts.World()
	}
	if worldErr != nil {
		sr.HookErr = worldErr
		sr.Status = result.ScenarioFailed
		if err := e.opts.Hooks.Run(ctx, hooks.AfterScenario, hooks.Context{Tags: effectiveTags}); err != nil {
			e.opts.Logger.Error(ctx, "afterScenario hook failed", "scenario", sc.Name, "error", err)
		}
		return e.concludeScenario(sr, started)
	}

	hctx := hooks.Context{Tags: effectiveTags, World: world}
	if err := e.opts.Hooks.Run(ctx, hooks.BeforeScenario, hctx); err != nil {
		// An aborted hook phase skips the scenario rather than failing it.
		sr.HookErr = err
		sr.Status = result.ScenarioSkipped
		if aerr := e.opts.Hooks.Run(ctx, hooks.AfterScenario, hctx); aerr != nil {
			e.opts.Logger.Error(ctx, "afterScenario hook failed", "scenario", sc.Name, "error", aerr)
		}
		return e.concludeScenario(sr, started)
	}

	allSteps := append(append([]gherkin.Step(nil), background...), sc.Steps...)
	aborted := false
	for _, st := range allSteps {
		if aborted {
			sr.Steps = append(sr.Steps, result.StepResult{Keyword: st.Keyword, Text: st.Text, Line: st.Line, Status: result.StepSkipped})
			continue
		}
		stepResult := e.runStep(ctx, st, world, effectiveTags)
		sr.Steps = append(sr.Steps, stepResult)
		if stepResult.Status == result.StepFailed || stepResult.Status == result.StepPending {
			aborted = true
		}
	}

	sr.Status = result.DeriveStatus(sr.Steps)

	afterErr := e.opts.Hooks.Run(ctx, hooks.AfterScenario, hctx)
	if afterErr != nil && sr.Status == result.ScenarioPassed {
		sr.HookErr = afterErr
	}

	return e.concludeScenario(sr, started)
}

// concludeScenario stamps duration, fires the OnScenarioEnd callback,
// records the duration metric, and trips failFired on a FailFast failure -
// bookkeeping both the document-bound and per-unit paths need equally.
func (e *Executor) concludeScenario(sr result.ScenarioResult, started time.Time) result.ScenarioResult {
	sr.DurationMs = time.Since(started).Milliseconds()
	if e.opts.OnScenarioEnd != nil {
		e.opts.OnScenarioEnd(sr)
	}
	e.opts.Metrics.RecordTimer("browsecraft.scenario.duration", sr.Duration(), "status", string(sr.Status))
	if sr.Status == result.ScenarioFailed && e.opts.FailFast {
		e.failFired.Store(true)
	}
	return sr
}

func (e *Executor) runStep(ctx context.Context, st gherkin.Step, world any, activeTags []string) result.StepResult {
	started := time.Now()
	sr := result.StepResult{Keyword: st.Keyword, Text: st.Text, Line: st.Line}

	beforeCtx := hooks.Context{Tags: activeTags, World: world, Extra: map[string]any{"step": st}}
	if err := e.opts.Hooks.Run(ctx, hooks.BeforeStep, beforeCtx); err != nil {
		sr.Status = result.StepFailed
		sr.Err = err
		sr.DurationMs = time.Since(started).Milliseconds()
		return sr
	}

	match, matchErr := e.opts.Steps.Match(st.Text, st.KeywordType, activeTags)
	if matchErr != nil {
		if matchErr == bcerr.ErrUndefinedStep {
			sr = e.tryAIFallthrough(ctx, st, world, sr)
		} else {
			sr.Status = result.StepFailed
			sr.Err = matchErr
		}
	} else {
		sr.CapturedArg = match.Args
		sr.Status, sr.Err = e.invokeHandler(ctx, match, st, world)
	}

	afterCtx := hooks.Context{Tags: activeTags, World: world, Extra: map[string]any{"step": st, "result": sr}}
	if err := e.opts.Hooks.Run(ctx, hooks.AfterStep, afterCtx); err != nil && sr.Status == result.StepPassed {
		sr.Status = result.StepFailed
		sr.Err = err
	}

	sr.DurationMs = time.Since(started).Milliseconds()
	e.opts.Metrics.RecordTimer("browsecraft.step.duration", sr.Duration(), "status", string(sr.Status))
	return sr
}

// invokeHandler runs match.Registration.Handler under the step timeout. A
// deadline timer is established and always released on every exit path,
// whether the handler returns, errors, or the deadline fires first.
func (e *Executor) invokeHandler(ctx context.Context, match *steps.Match, st gherkin.Step, world any) (result.StepStatus, error) {
	args := append([]any(nil), match.Args...)
	if st.DataTable != nil {
		args = append(args, st.DataTable)
	}
	if st.DocString != nil {
		args = append(args, st.DocString)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- match.Registration.Handler(world, args)
	}()

	select {
	case err := <-done:
		if err == nil {
			return result.StepPassed, nil
		}
		var pending *bcerr.PendingError
		if asPending(err, &pending) {
			return result.StepPending, err
		}
		return result.StepFailed, err
	case <-callCtx.Done():
		return result.StepFailed, bcerr.NewTimeout(st.Text, e.opts.StepTimeout)
	}
}

func asPending(err error, target **bcerr.PendingError) bool {
	if p, ok := err.(*bcerr.PendingError); ok {
		*target = p
		return true
	}
	return false
}

// tryAIFallthrough consults the optional AIStepExecutor collaborator
// before a step is finally marked Undefined. The core never implements
// an AI backend itself; it only enforces the one safety rule that is
// its responsibility regardless of which collaborator is plugged in: a
// non-assertion cached plan may never contain an "evaluate" action.
func (e *Executor) tryAIFallthrough(ctx context.Context, st gherkin.Step, world any, sr result.StepResult) result.StepResult {
	if e.opts.AI == nil {
		sr.Status = result.StepUndefined
		sr.Err = bcerr.ErrUndefinedStep
		return sr
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.opts.AI.Mode() == AIAuto && e.opts.AITimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.AITimeout)
	} else if e.opts.ActionTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.ActionTimeout)
	}
	if cancel != nil {
		defer cancel()
	}

	res, err := e.opts.AI.Execute(callCtx, st.Text, world)
	if err != nil {
		sr.Status = result.StepFailed
		sr.Err = err
		return sr
	}
	if !res.Handled {
		sr.Status = result.StepUndefined
		sr.Err = bcerr.ErrUndefinedStep
		if res.Err != nil {
			sr.Err = res.Err
		}
		return sr
	}
	if res.Plan != nil && !res.Plan.Assertion {
		for _, a := range res.Plan.Actions {
			if a.Kind == "evaluate" {
				sr.Status = result.StepFailed
				sr.Err = fmt.Errorf("ai step fallthrough: %q action is only permitted in assertion plans", "evaluate")
				return sr
			}
		}
	}
	if res.Passed {
		sr.Status = result.StepPassed
	} else {
		sr.Status = result.StepFailed
		sr.Err = res.Err
	}
	return sr
}

// NewScenarioRunID returns a stable id usable for log correlation across
// a scenario's hook/step events.
func NewScenarioRunID() string { return uuid.NewString() }
