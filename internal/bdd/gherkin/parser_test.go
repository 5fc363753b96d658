package gherkin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicFeature(t *testing.T) {
	src := `Feature: Login
  As a user I want to log in

  Scenario: Successful login
    Given I am on the login page
    When I submit valid credentials
    Then I should see the dashboard
`
	doc := Parse(src, "login.feature")
	require.NotNil(t, doc.Feature)
	assert.Equal(t, "Login", doc.Feature.Name)
	assert.Equal(t, "As a user I want to log in", doc.Feature.Description)
	require.Len(t, doc.Feature.Scenarios, 1)
	sc := doc.Feature.Scenarios[0]
	assert.Equal(t, "Successful login", sc.Name)
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, KeywordContext, sc.Steps[0].KeywordType)
	assert.Equal(t, KeywordAction, sc.Steps[1].KeywordType)
	assert.Equal(t, KeywordOutcome, sc.Steps[2].KeywordType)
}

func TestEffectiveKeywordForConjunctions(t *testing.T) {
	src := `Feature: F
  Scenario: S
    Given a
    And b
    When c
    But d
    Then e
`
	doc := Parse(src, "x.feature")
	steps := doc.Feature.Scenarios[0].Steps
	require.Len(t, steps, 5)
	assert.Equal(t, KeywordContext, steps[1].KeywordType, "And after Given is Context")
	assert.Equal(t, KeywordAction, steps[2].KeywordType)
	assert.Equal(t, KeywordAction, steps[3].KeywordType, "But after When is Action")
	assert.Equal(t, KeywordOutcome, steps[4].KeywordType)
}

func TestTagsAttachToScenario(t *testing.T) {
	src := `Feature: F

  @smoke @fast
  Scenario: S
    Given a
`
	doc := Parse(src, "x.feature")
	assert.ElementsMatch(t, []string{"@smoke", "@fast"}, doc.Feature.Scenarios[0].Tags)
}

func TestDataTableWithEscapedPipe(t *testing.T) {
	src := `Feature: F
  Scenario: S
    Given the following users:
      | name  | bio         |
      | Bob   | a\|b pipe   |
`
	doc := Parse(src, "x.feature")
	table := doc.Feature.Scenarios[0].Steps[0].DataTable
	require.NotNil(t, table)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"name", "bio"}, table.Rows[0])
	assert.Equal(t, []string{"Bob", "a|b pipe"}, table.Rows[1])
}

func TestDocStringStripsOpeningIndent(t *testing.T) {
	src := "Feature: F\n" +
		"  Scenario: S\n" +
		"    Given a payload of:\n" +
		"      \"\"\"json\n" +
		"      {\"a\":1}\n" +
		"    under-indented\n" +
		"      \"\"\"\n"
	doc := Parse(src, "x.feature")
	ds := doc.Feature.Scenarios[0].Steps[0].DocString
	require.NotNil(t, ds)
	assert.Equal(t, "json", ds.MediaType)
	assert.Equal(t, "{\"a\":1}\n    under-indented", ds.Content)
}

func TestScenarioOutlineExamplesTable(t *testing.T) {
	src := `Feature: F
  Scenario Outline: Add <a> and <b>
    Given I have <a>
    When I add <b>
    Then I get <sum>

    Examples:
      | a | b | sum |
      | 1 | 2 | 3   |
      | 2 | 2 | 4   |
`
	doc := Parse(src, "x.feature")
	sc := doc.Feature.Scenarios[0]
	require.True(t, sc.IsOutline())
	require.Len(t, sc.Examples, 1)
	assert.Equal(t, []string{"a", "b", "sum"}, sc.Examples[0].TableHeader)
	assert.Len(t, sc.Examples[0].TableBody, 2)
}

func TestBackgroundStepsParsed(t *testing.T) {
	src := `Feature: F
  Background:
    Given a clean database

  Scenario: S
    When something happens
`
	doc := Parse(src, "x.feature")
	require.NotNil(t, doc.Feature.Background)
	assert.Len(t, doc.Feature.Background.Steps, 1)
}

func TestRuleGroupsScenarios(t *testing.T) {
	src := `Feature: F
  Rule: only admins can delete
    Scenario: admin deletes
      Given I am an admin
`
	doc := Parse(src, "x.feature")
	require.Len(t, doc.Feature.Rules, 1)
	assert.Len(t, doc.Feature.Rules[0].Scenarios, 1)
}

func TestLanguageDirectiveSwitchesKeywords(t *testing.T) {
	src := "# language: fr\n" +
		"Fonctionnalité: Connexion\n" +
		"  Scénario: Connexion réussie\n" +
		"    Soit je suis sur la page de connexion\n" +
		"    Quand je soumets des identifiants valides\n" +
		"    Alors je vois le tableau de bord\n"
	doc := Parse(src, "x.feature")
	require.NotNil(t, doc.Feature)
	assert.Equal(t, "fr", doc.Feature.Language)
	assert.Equal(t, "Connexion", doc.Feature.Name)
	require.Len(t, doc.Feature.Scenarios[0].Steps, 3)
}

func TestCommentsCollectedWithoutAffectingStructure(t *testing.T) {
	src := `# top-level note
Feature: F
  # inline note
  Scenario: S
    Given a
`
	doc := Parse(src, "x.feature")
	require.NotNil(t, doc.Feature)
	assert.Len(t, doc.Comments, 2)
}

func TestNoFeatureLineDegradesToNilFeature(t *testing.T) {
	doc := Parse("just some text\nwith no keywords\n", "x.feature")
	assert.Nil(t, doc.Feature)
}

func TestLineNumbersAreOneBased(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given a\n"
	doc := Parse(src, "x.feature")
	assert.Equal(t, 1, doc.Feature.Line)
	assert.Equal(t, 2, doc.Feature.Scenarios[0].Line)
	assert.Equal(t, 3, doc.Feature.Scenarios[0].Steps[0].Line)
}

func TestWildcardStepMatchesAnyKeywordType(t *testing.T) {
	src := "Feature: F\n  Scenario: S\n    Given a\n    * something else\n"
	doc := Parse(src, "x.feature")
	steps := doc.Feature.Scenarios[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, KeywordUnknown, steps[1].KeywordType)
	assert.Equal(t, "something else", steps[1].Text)
}
