package gherkin

// dialect is one language's keyword vocabulary. Only a representative subset of the
// official Gherkin dialects is carried — enough to exercise the `#
// language:` directive end to end — rather than the full ~70-language
// table, which adds breadth without exercising new parser behavior.
type dialect struct {
	Feature []string
	Rule []string
	Background []string
	Scenario []string
	ScenarioOutline []string
	Examples []string
	Given []string
	When []string
	Then []string
	And []string
	But []string
}

var dialects = map[string]dialect{
	"en": {
		Feature: []string{"Feature"},
		Rule: []string{"Rule"},
		Background: []string{"Background"},
		Scenario: []string{"Scenario", "Example"},
		ScenarioOutline: []string{"Scenario Outline", "Scenario Template"},
		Examples: []string{"Examples", "Scenarios"},
		Given: []string{"Given"},
		When: []string{"When"},
		Then: []string{"Then"},
		And: []string{"And"},
		But: []string{"But"},
	},
	"fr": {
		Feature: []string{"Fonctionnalité"},
		Rule: []string{"Règle"},
		Background: []string{"Contexte"},
		Scenario: []string{"Scénario", "Exemple"},
		ScenarioOutline: []string{"Plan du scénario", "Plan du Scénario"},
		Examples: []string{"Exemples"},
		Given: []string{"Soit", "Etant donné", "Étant donné"},
		When: []string{"Quand", "Lorsque"},
		Then: []string{"Alors"},
		And: []string{"Et"},
		But: []string{"Mais"},
	},
	"de": {
		Feature: []string{"Funktionalität"},
		Rule: []string{"Regel"},
		Background: []string{"Grundlage"},
		Scenario: []string{"Szenario", "Beispiel"},
		ScenarioOutline: []string{"Szenariogrundriss", "Szenarioumriss"},
		Examples: []string{"Beispiele"},
		Given: []string{"Angenommen", "Gegeben sei", "Gegeben seien"},
		When: []string{"Wenn"},
		Then: []string{"Dann"},
		And: []string{"Und"},
		But: []string{"Aber"},
	},
}

// defaultLanguage is used when no `# language:` directive is present.
const defaultLanguage = "en"

func dialectFor(lang string) dialect {
	if d, ok := dialects[lang]; ok {
		return d
	}
	return dialects[defaultLanguage]
}

type lineKind int

const (
	lineFeature lineKind = iota
	lineRule
	lineBackground
	lineScenario
	lineScenarioOutline
	lineExamples
	lineGiven
	lineWhen
	lineThen
	lineAnd
	lineBut
	lineOther
)

// classify matches a trimmed source line's leading keyword against d and
// returns the matched kind, the matched keyword token, and the remaining
// text after the keyword and its colon/space separator.
func classify(d dialect, trimmed string) (lineKind, string, string, bool) {
	type candidate struct {
		kind lineKind
		kws []string
	}
	candidates := []candidate{
		{lineFeature, d.Feature},
		{lineRule, d.Rule},
		{lineBackground, d.Background},
		{lineScenarioOutline, d.ScenarioOutline},
		{lineScenario, d.Scenario},
		{lineExamples, d.Examples},
		{lineGiven, d.Given},
		{lineWhen, d.When},
		{lineThen, d.Then},
		{lineAnd, d.And},
		{lineBut, d.But},
	}
	for _, c := range candidates {
		for _, kw := range c.kws {
			if rest, ok := stripKeyword(trimmed, kw); ok {
				return c.kind, kw, rest, true
			}
		}
	}
	return lineOther, "", trimmed, false
}

func stripKeyword(line, kw string) (string, bool) {
	if len(line) < len(kw) {
		return "", false
	}
	if line[:len(kw)] != kw {
		return "", false
	}
	rest := line[len(kw):]
	// Step keywords are followed by a space; section keywords by ':'.
	switch {
	case len(rest) == 0:
		return "", false
	case rest[0] == ':':
		return trimLeftSpace(rest[1:]), true
	case rest[0] == ' ':
		return trimLeftSpace(rest), true
	default:
		return "", false
	}
}

func trimLeftSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return s[i:]
}
