// Package gherkin implements a Gherkin 6 parser producing an AST. The
// parser never throws on recoverable syntax errors — malformed input
// degrades to a document with a nil Feature rather than aborting a run.
package gherkin

// KeywordType classifies a Step's keyword for matching purposes.
type KeywordType string

const (
	KeywordContext KeywordType = "Context" // Given
	KeywordAction KeywordType = "Action" // When
	KeywordOutcome KeywordType = "Outcome" // Then
	KeywordConjunction KeywordType = "Conjunction" // And, But
	KeywordUnknown KeywordType = "Unknown" // *
)

// DataTable is a Gherkin `| a | b |` table attached to a Step.
type DataTable struct {
	Rows [][]string
}

// DocString is a `"""`/` ``` ` delimited block attached to a Step.
type DocString struct {
	MediaType string
	Content string
}

// Step is one Given/When/Then/And/But/* line.
type Step struct {
	Keyword string
	KeywordType KeywordType
	Text string
	Line int
	DataTable *DataTable
	DocString *DocString
}

// Examples is one `Examples:` block belonging to a Scenario Outline.
type Examples struct {
	Name string
	Tags []string
	TableHeader []string
	TableBody [][]string
	Line int
}

// Scenario is a Scenario or Scenario Outline/Template.
type Scenario struct {
	Keyword string // "Scenario", "Scenario Outline", "Scenario Template"
	Name string
	Tags []string
	Steps []Step
	Examples []Examples // non-empty only for outlines
	Line int
}

// IsOutline reports whether this scenario is a Scenario Outline/Template.
func (s Scenario) IsOutline() bool { return len(s.Examples) > 0 }

// Background holds the steps shared by every scenario in its enclosing
// Feature or Rule.
type Background struct {
	Name string
	Steps []Step
	Line int
}

// Rule groups a Background and Scenarios under one Feature, inheriting
// the feature's tags.
type Rule struct {
	Name string
	Tags []string
	Background *Background
	Scenarios []Scenario
	Line int
}

// Comment is a `#`-prefixed line outside a doc string, retained for
// diagnostics without affecting structure.
type Comment struct {
	Line int
	Text string
}

// Feature is the top-level Gherkin document node.
type Feature struct {
	Name string
	Description string
	Language string
	Tags []string
	Background *Background
	Scenarios []Scenario
	Rules []Rule
	Line int
}

// Document is the parser's output. Feature is nil when the input has no
// recognizable Feature line — the parser degrades rather than erroring.
type Document struct {
	URI string
	Feature *Feature
	Comments []Comment
}
