package executor

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bdd/gherkin"
	"github.com/rik9564/browsecraft/internal/bdd/hooks"
	"github.com/rik9564/browsecraft/internal/bdd/result"
	"github.com/rik9564/browsecraft/internal/bdd/steps"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
)

func newRegistry(t *testing.T) *steps.StepRegistry {
	t.Helper()
	return steps.New()
}

func TestRunDocumentAllStepsPassed(t *testing.T) {
	src := "Feature: Login\n  Scenario: valid creds\n    Given I am on the login page\n    When I submit valid credentials\n    Then I should be logged in\n"
	doc := gherkin.Parse(src, "login.feature")

	reg := newRegistry(t)
	_, err := reg.Register(steps.Given, "I am on the login page", func(ctx any, args []any) error { return nil }, nil)
	require.NoError(t, err)
	_, err = reg.Register(steps.When, "I submit valid credentials", func(ctx any, args []any) error { return nil }, nil)
	require.NoError(t, err)
	_, err = reg.Register(steps.Then, "I should be logged in", func(ctx any, args []any) error { return nil }, nil)
	require.NoError(t, err)

	ex := New(Options{Steps: reg})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	assert.Equal(t, result.ScenarioPassed, fr.Scenarios[0].Status)
	assert.Equal(t, 1, fr.Summary.Passed)
}

func TestUndefinedStepWithoutAIFallthrough(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given nobody registered this\n"
	doc := gherkin.Parse(src, "f.feature")
	ex := New(Options{Steps: newRegistry(t)})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	assert.Equal(t, result.ScenarioUndefined, fr.Scenarios[0].Status)
	assert.Equal(t, result.StepUndefined, fr.Scenarios[0].Steps[0].Status)
}

func TestFailedStepSkipsRemainingSteps(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given a failing precondition\n    When an action runs\n    Then it should not matter\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "a failing precondition", func(ctx any, args []any) error {
		return errors.New("boom")
	}, nil)
	actionRan := false
	_, _ = reg.Register(steps.When, "an action runs", func(ctx any, args []any) error {
		actionRan = true
		return nil
	}, nil)
	_, _ = reg.Register(steps.Then, "it should not matter", func(ctx any, args []any) error { return nil }, nil)

	ex := New(Options{Steps: reg})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	sc := fr.Scenarios[0]
	assert.Equal(t, result.ScenarioFailed, sc.Status)
	assert.Equal(t, result.StepFailed, sc.Steps[0].Status)
	assert.Equal(t, result.StepSkipped, sc.Steps[1].Status)
	assert.Equal(t, result.StepSkipped, sc.Steps[2].Status)
	assert.False(t, actionRan, "steps after a failure must be skipped, never invoked")
}

// TestScenarioOutlineExpansion: a Scenario Outline with 3 Examples
// rows expands to exactly 3 ScenarioResults, in row order.
func TestScenarioOutlineExpansion(t *testing.T) {
	src := "Feature: F\n  Scenario Outline: adds\n    Given a value of <count>\n\n    Examples:\n      | count |\n      | 1     |\n      | 2     |\n      | 3     |\n"
	doc := gherkin.Parse(src, "f.feature")

	var seen []string
	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, regexp.MustCompile(`^a value of (.+)$`), func(ctx any, args []any) error {
		seen = append(seen, args[0].(string))
		return nil
	}, nil)

	ex := New(Options{Steps: reg})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 3)
	assert.Equal(t, []string{"1", "2", "3"}, seen)
}

func TestStepTimeoutCancelsAndFails(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given a step that never returns\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "a step that never returns", func(ctx any, args []any) error {
		time.Sleep(time.Second)
		return nil
	}, nil)

	ex := New(Options{Steps: reg, StepTimeout: 5 * time.Millisecond})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	assert.Equal(t, result.StepFailed, fr.Scenarios[0].Steps[0].Status)
	var te *bcerr.TimeoutError
	assert.ErrorAs(t, fr.Scenarios[0].Steps[0].Err, &te)
}

func TestPendingStepHaltsWithoutFailing(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given a step I have not built yet\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "a step I have not built yet", func(ctx any, args []any) error {
		return &bcerr.PendingError{Reason: "not implemented"}
	}, nil)

	ex := New(Options{Steps: reg})
	fr := ex.RunDocument(context.Background(), doc)
	assert.Equal(t, result.ScenarioPending, fr.Scenarios[0].Status)
}

func TestTagFilterSkipsNonMatchingScenario(t *testing.T) {
	src := "Feature: F\n  @smoke\n  Scenario: tagged\n    Given ok\n\n  Scenario: untagged\n    Given ok\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error { return nil }, nil)

	expr, err := tags.Parse("@smoke")
	require.NoError(t, err)

	ex := New(Options{Steps: reg, TagExpr: expr})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 2)
	assert.Equal(t, result.ScenarioPassed, fr.Scenarios[0].Status)
	assert.Equal(t, result.ScenarioSkipped, fr.Scenarios[1].Status)
}

func TestGrepFilterSkipsNonMatchingScenario(t *testing.T) {
	src := "Feature: F\n  Scenario: login works\n    Given ok\n\n  Scenario: logout works\n    Given ok\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error { return nil }, nil)

	ex := New(Options{Steps: reg, Grep: "login"})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 2)
	assert.Equal(t, result.ScenarioPassed, fr.Scenarios[0].Status)
	assert.Equal(t, result.ScenarioSkipped, fr.Scenarios[1].Status)
}

func TestBackgroundStepsRunBeforeScenarioSteps(t *testing.T) {
	src := "Feature: F\n  Background:\n    Given setup runs\n\n  Scenario: S\n    When scenario runs\n"
	doc := gherkin.Parse(src, "f.feature")

	var order []string
	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "setup runs", func(ctx any, args []any) error {
		order = append(order, "setup")
		return nil
	}, nil)
	_, _ = reg.Register(steps.When, "scenario runs", func(ctx any, args []any) error {
		order = append(order, "scenario")
		return nil
	}, nil)

	ex := New(Options{Steps: reg})
	ex.RunDocument(context.Background(), doc)
	assert.Equal(t, []string{"setup", "scenario"}, order)
}

func TestWorldFactoryErrorFailsScenario(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given ok\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error { return nil }, nil)

	ex := New(Options{
		Steps: reg,
		World: func() (any, error) { return nil, errors.New("world build failed") },
	})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	assert.Equal(t, result.ScenarioFailed, fr.Scenarios[0].Status)
	require.Error(t, fr.Scenarios[0].HookErr)
}

func TestFailFastStopsSubsequentDocuments(t *testing.T) {
	docA := gherkin.Parse("Feature: A\n  Scenario: fails\n    Given it fails\n", "a.feature")
	docB := gherkin.Parse("Feature: B\n  Scenario: never runs\n    Given ok\n", "b.feature")

	bRan := false
	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "it fails", func(ctx any, args []any) error { return errors.New("boom") }, nil)
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error {
		bRan = true
		return nil
	}, nil)

	ex := New(Options{Steps: reg, FailFast: true})
	results, err := ex.RunAll(context.Background(), []*gherkin.Document{docA, docB})
	require.NoError(t, err)
	require.Len(t, results, 1, "fail-fast must stop before running doc B")
	assert.False(t, bRan)
}

func TestExpandScenariosFlattensOutlineRows(t *testing.T) {
	src := "Feature: F\n  Scenario Outline: adds\n    Given a value of <count>\n\n    Examples:\n      | count |\n      | 1     |\n      | 2     |\n"
	doc := gherkin.Parse(src, "f.feature")
	units := ExpandScenarios(doc)
	require.Len(t, units, 2)
	assert.Equal(t, "a value of 1", units[0].Scenario.Steps[0].Text)
	assert.Equal(t, "a value of 2", units[1].Scenario.Steps[0].Text)
}

func TestRunUnitIsIndependentOfFeatureResult(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given ok\n"
	doc := gherkin.Parse(src, "f.feature")
	units := ExpandScenarios(doc)
	require.Len(t, units, 1)

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error { return nil }, nil)
	ex := New(Options{Steps: reg})

	sr := ex.RunUnit(context.Background(), units[0])
	assert.Equal(t, result.ScenarioPassed, sr.Status)
}

func TestWorldFactoryErrorStillRunsAfterScenario(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given ok\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error { return nil }, nil)

	hr := hooks.New()
	afterRan := false
	hr.Register(hooks.AfterScenario, func(ctx context.Context, hctx hooks.Context) error {
		afterRan = true
		return nil
	}, hooks.Options{})

	ex := New(Options{
		Steps: reg,
		Hooks: hr,
		World: func() (any, error) { return nil, errors.New("world build failed") },
	})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	assert.Equal(t, result.ScenarioFailed, fr.Scenarios[0].Status)
	assert.True(t, afterRan, "afterScenario must run even when the world factory fails")
}

func TestBeforeScenarioHookErrorSkipsScenario(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given ok\n"
	doc := gherkin.Parse(src, "f.feature")

	reg := newRegistry(t)
	stepRan := false
	_, _ = reg.Register(steps.Given, "ok", func(ctx any, args []any) error {
		stepRan = true
		return nil
	}, nil)

	hr := hooks.New()
	hr.Register(hooks.BeforeScenario, func(ctx context.Context, hctx hooks.Context) error {
		return errors.New("setup failed")
	}, hooks.Options{})
	afterRan := false
	hr.Register(hooks.AfterScenario, func(ctx context.Context, hctx hooks.Context) error {
		afterRan = true
		return nil
	}, hooks.Options{})

	ex := New(Options{Steps: reg, Hooks: hr})
	fr := ex.RunDocument(context.Background(), doc)
	require.Len(t, fr.Scenarios, 1)
	assert.Equal(t, result.ScenarioSkipped, fr.Scenarios[0].Status)
	require.Error(t, fr.Scenarios[0].HookErr)
	assert.False(t, stepRan, "no step may run after an aborted hook phase")
	assert.True(t, afterRan, "afterScenario still runs after an aborted before phase")
}
