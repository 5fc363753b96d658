package gherkin

import (
	"regexp"
	"strings"
)

var languageDirective = regexp.MustCompile(`^#\s*language:\s*(\S+)\s*$`)

type rawLine struct {
	number int
	text string // original, only right-trimmed of \r
}

// Parse builds a Document from Gherkin source text. It never returns an
// error: recoverable syntax problems degrade to a Document with a nil
// Feature.
func Parse(source, uri string) *Document {
	p := &parser{uri: uri}
	p.lines = splitLines(source)
	p.dialect = dialects[defaultLanguage]
	p.detectLanguage()
	return p.parseDocument()
}

func splitLines(source string) []rawLine {
	raw := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	out := make([]rawLine, len(raw))
	for i, l := range raw {
		out[i] = rawLine{number: i + 1, text: l}
	}
	return out
}

type parser struct {
	uri string
	lines []rawLine
	pos int
	dialect dialect
	comments []Comment
	language string
}

func (p *parser) detectLanguage() {
	p.language = defaultLanguage
	for _, l := range p.lines {
		t := strings.TrimSpace(l.text)
		if t == "" {
			continue
		}
		if m := languageDirective.FindStringSubmatch(t); m != nil {
			p.language = m[1]
			p.dialect = dialectFor(p.language)
			p.pos = l.number // skip the directive line itself (1-based -> index matches next line)
		}
		break
	}
}

func (p *parser) peek() (rawLine, bool) {
	if p.pos >= len(p.lines) {
		return rawLine{}, false
	}
	return p.lines[p.pos], true
}

func (p *parser) advance() (rawLine, bool) {
	l, ok := p.peek()
	if ok {
		p.pos++
	}
	return l, ok
}

func (p *parser) trimmedAt(idx int) string {
	return strings.TrimSpace(p.lines[idx].text)
}

// collectTagsAndComments skips blank lines, records comment lines, and
// accumulates `@tag` lines until a non-blank, non-comment, non-tag line is
// reached (or EOF). It returns the accumulated tags.
func (p *parser) collectTagsAndComments() []string {
	var tags []string
	for {
		l, ok := p.peek()
		if !ok {
			return tags
		}
		t := strings.TrimSpace(l.text)
		switch {
		case t == "":
			p.pos++
		case strings.HasPrefix(t, "#"):
			p.comments = append(p.comments, Comment{Line: l.number, Text: t})
			p.pos++
		case strings.HasPrefix(t, "@"):
			tags = append(tags, parseTags(t)...)
			p.pos++
		default:
			return tags
		}
	}
}

func parseTags(line string) []string {
	fields := strings.Fields(line)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "@") {
			out = append(out, f)
		}
	}
	return out
}

func (p *parser) parseDocument() *Document {
	tags := p.collectTagsAndComments()
	l, ok := p.peek()
	if !ok {
		return &Document{URI: p.uri, Comments: p.comments}
	}
	kind, _, rest, matched := classify(p.dialect, strings.TrimSpace(l.text))
	if !matched || kind != lineFeature {
		return &Document{URI: p.uri, Comments: p.comments}
	}
	p.pos++
	feature := p.parseFeature(tags, rest, l.number)
	return &Document{URI: p.uri, Feature: feature, Comments: p.comments}
}

func (p *parser) parseFeature(tags []string, name string, line int) *Feature {
	f := &Feature{Name: name, Tags: tags, Line: line, Language: p.language}
	f.Description = p.consumeDescription()

	for {
		blockTags := p.collectTagsAndComments()
		l, ok := p.peek()
		if !ok {
			break
		}
		kind, _, rest, matched := classify(p.dialect, strings.TrimSpace(l.text))
		if !matched {
			// Unrecognized content inside a feature body (beyond a
			// description) is skipped rather than aborting the parse.
			p.pos++
			continue
		}
		switch kind {
		case lineBackground:
			p.pos++
			bg := p.parseBackground(rest, l.number)
			f.Background = bg
		case lineRule:
			p.pos++
			f.Rules = append(f.Rules, p.parseRule(blockTags, rest, l.number))
		case lineScenario, lineScenarioOutline:
			p.pos++
			f.Scenarios = append(f.Scenarios, p.parseScenario(blockTags, kind, rest, l.number))
		default:
			return f
		}
	}
	return f
}

// consumeDescription gathers free-text lines until the next recognized
// keyword line, joining them with newlines.
func (p *parser) consumeDescription() string {
	var sb strings.Builder
	for {
		l, ok := p.peek()
		if !ok {
			break
		}
		t := strings.TrimSpace(l.text)
		if t == "" {
			p.pos++
			continue
		}
		if strings.HasPrefix(t, "@") || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "|") {
			break
		}
		if _, _, _, matched := classify(p.dialect, t); matched {
			break
		}
		sb.WriteString(t)
		sb.WriteString("\n")
		p.pos++
	}
	return strings.TrimSpace(sb.String())
}

func (p *parser) parseRule(tags []string, name string, line int) Rule {
	r := Rule{Name: name, Tags: tags, Line: line}
	p.consumeDescription()
	for {
		save, nc := p.pos, len(p.comments)
		blockTags := p.collectTagsAndComments()
		l, ok := p.peek()
		if !ok {
			break
		}
		kind, _, rest, matched := classify(p.dialect, strings.TrimSpace(l.text))
		if !matched {
			break
		}
		switch kind {
		case lineBackground:
			p.pos++
			r.Background = p.parseBackground(rest, l.number)
		case lineScenario, lineScenarioOutline:
			p.pos++
			r.Scenarios = append(r.Scenarios, p.parseScenario(blockTags, kind, rest, l.number))
		default:
			p.pos, p.comments = save, p.comments[:nc]
			return r
		}
	}
	return r
}

func (p *parser) parseBackground(name string, line int) *Background {
	bg := &Background{Name: name, Line: line}
	bg.Steps = p.parseSteps()
	return bg
}

func (p *parser) parseScenario(tags []string, kind lineKind, name string, line int) Scenario {
	s := Scenario{Name: name, Tags: tags, Line: line}
	if kind == lineScenarioOutline {
		s.Keyword = "Scenario Outline"
	} else {
		s.Keyword = "Scenario"
	}
	s.Steps = p.parseSteps()

	for {
		save, nc := p.pos, len(p.comments)
		exTags := p.collectTagsAndComments()
		l, ok := p.peek()
		if !ok {
			break
		}
		kindEx, _, rest, matched := classify(p.dialect, strings.TrimSpace(l.text))
		if !matched || kindEx != lineExamples {
			// Leave the tags for the block that follows.
			p.pos, p.comments = save, p.comments[:nc]
			break
		}
		p.pos++
		s.Examples = append(s.Examples, p.parseExamples(exTags, rest, l.number))
	}
	return s
}

var stepKinds = map[lineKind]KeywordType{
	lineGiven: KeywordContext,
	lineWhen: KeywordAction,
	lineThen: KeywordOutcome,
	lineAnd: KeywordConjunction,
	lineBut: KeywordConjunction,
}

func (p *parser) parseSteps() []Step {
	var steps []Step
	lastEffective := KeywordUnknown
	for {
		p.skipBlankAndComments()
		l, ok := p.peek()
		if !ok {
			return steps
		}
		trimmed := strings.TrimSpace(l.text)
		if trimmed == "*" || strings.HasPrefix(trimmed, "* ") {
			p.pos++
			text := strings.TrimSpace(strings.TrimPrefix(trimmed, "*"))
			steps = append(steps, p.finishStep("*", KeywordUnknown, text, l.number))
			continue
		}
		kind, kw, rest, matched := classify(p.dialect, trimmed)
		stepType, isStep := stepKinds[kind]
		if !matched || !isStep {
			return steps
		}
		p.pos++
		effective := stepType
		if stepType == KeywordConjunction {
			effective = lastEffective
		} else {
			lastEffective = stepType
		}
		steps = append(steps, p.finishStep(kw, effective, rest, l.number))
	}
}

func (p *parser) skipBlankAndComments() {
	for {
		l, ok := p.peek()
		if !ok {
			return
		}
		t := strings.TrimSpace(l.text)
		if t == "" {
			p.pos++
			continue
		}
		if strings.HasPrefix(t, "#") {
			p.comments = append(p.comments, Comment{Line: l.number, Text: t})
			p.pos++
			continue
		}
		return
	}
}

func (p *parser) finishStep(keyword string, kwType KeywordType, text string, line int) Step {
	step := Step{Keyword: keyword, KeywordType: kwType, Text: text, Line: line}
	p.skipBlankAndComments()
	if l, ok := p.peek(); ok {
		t := strings.TrimSpace(l.text)
		switch {
		case strings.HasPrefix(t, "|"):
			step.DataTable = p.parseDataTable()
		case strings.HasPrefix(t, `"""`) || strings.HasPrefix(t, "```"):
			step.DocString = p.parseDocString()
		}
	}
	return step
}

func (p *parser) parseDataTable() *DataTable {
	table := &DataTable{}
	for {
		l, ok := p.peek()
		if !ok {
			return table
		}
		t := strings.TrimSpace(l.text)
		if !strings.HasPrefix(t, "|") {
			return table
		}
		p.pos++
		table.Rows = append(table.Rows, parseTableRow(t))
	}
}

// parseTableRow splits a `| a | b \| c |` row on unescaped pipes and
// unescapes `\|` to `|` within each cell.
func parseTableRow(line string) []string {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "|")
	trimmed = strings.TrimSuffix(trimmed, "|")

	var cells []string
	var cur strings.Builder
	escaped := false
	for _, r := range trimmed {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	cells = append(cells, strings.TrimSpace(cur.String()))
	return cells
}

func (p *parser) parseDocString() *DocString {
	l, _ := p.advance()
	opening := l.text
	indent := leadingWhitespace(opening)
	delim := "\"\"\""
	trimmedOpening := strings.TrimSpace(opening)
	if strings.HasPrefix(trimmedOpening, "```") {
		delim = "```"
	}
	mediaType := strings.TrimSpace(strings.TrimPrefix(trimmedOpening, delim))

	var content []string
	for {
		l, ok := p.advance()
		if !ok {
			break
		}
		if strings.TrimSpace(l.text) == delim {
			break
		}
		content = append(content, stripIndent(l.text, indent))
	}
	return &DocString{MediaType: mediaType, Content: strings.Join(content, "\n")}
}

func leadingWhitespace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return s[:i]
}

// stripIndent removes exactly indent's worth of leading whitespace from
// line if present; under-indented lines are preserved verbatim.
func stripIndent(line, indent string) string {
	if strings.HasPrefix(line, indent) {
		return line[len(indent):]
	}
	return line
}

func (p *parser) parseExamples(tags []string, name string, line int) Examples {
	ex := Examples{Name: name, Tags: tags, Line: line}
	p.consumeDescription()
	table := p.parseDataTable()
	if len(table.Rows) > 0 {
		ex.TableHeader = table.Rows[0]
		ex.TableBody = table.Rows[1:]
	}
	return ex
}
