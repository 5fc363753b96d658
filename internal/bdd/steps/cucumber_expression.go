package steps

import (
	"regexp"
	"strconv"
	"strings"
)

// ParameterType is a named, reusable capture rule usable inside a Cucumber
// expression's `{name}` placeholders.
type ParameterType struct {
	Name string
	Regex string
	Transform func(string) (any, error)
}

var builtinParameterTypes = map[string]ParameterType{
	"string": {Name: "string", Regex: `"([^"]*)"`, Transform: func(s string) (any, error) { return s, nil }},
	"int": {Name: "int", Regex: `(-?\d+)`, Transform: func(s string) (any, error) {
		return strconv.ParseInt(s, 10, 64)
	}},
	"float": {Name: "float", Regex: `(-?\d+\.\d+)`, Transform: func(s string) (any, error) {
		return strconv.ParseFloat(s, 64)
	}},
	"word": {Name: "word", Regex: `(\w+)`, Transform: func(s string) (any, error) { return s, nil }},
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compiledExpression is the result of compiling one Cucumber expression
// string into a regex plus the ordered list of parameter types responsible
// for each capture group.
type compiledExpression struct {
	regex *regexp.Regexp
	params []ParameterType
	literal bool // true iff the expression had no {placeholder} captures
}

// compileExpression translates a Cucumber expression into an anchored
// regex, resolving named placeholders against custom (falling back to
// builtin) parameter types.
func compileExpression(expr string, custom map[string]ParameterType) (*compiledExpression, error) {
	var params []ParameterType
	literal := true

	var out strings.Builder
	last := 0
	matches := placeholder.FindAllStringSubmatchIndex(expr, -1)
	for _, m := range matches {
		start, end := m[0], m[1]
		name := expr[m[2]:m[3]]
		pt, ok := custom[name]
		if !ok {
			pt, ok = builtinParameterTypes[name]
		}
		if !ok {
			return nil, &unknownParameterTypeError{Name: name}
		}
		out.WriteString(regexp.QuoteMeta(expr[last:start]))
		out.WriteString(pt.Regex)
		params = append(params, pt)
		literal = false
		last = end
	}
	out.WriteString(regexp.QuoteMeta(expr[last:]))

	re, err := regexp.Compile("^" + out.String() + "$")
	if err != nil {
		return nil, err
	}
	return &compiledExpression{regex: re, params: params, literal: literal}, nil
}

type unknownParameterTypeError struct{ Name string }

func (e *unknownParameterTypeError) Error() string {
	return "unknown parameter type {" + e.Name + "}"
}

// capture runs the compiled expression against text and, on match,
// transforms each capture group through its parameter type's Transform.
func (c *compiledExpression) capture(text string) ([]any, bool, error) {
	m := c.regex.FindStringSubmatch(text)
	if m == nil {
		return nil, false, nil
	}
	args := make([]any, 0, len(c.params))
	for i, pt := range c.params {
		raw := m[i+1]
		v, err := pt.Transform(raw)
		if err != nil {
			return nil, false, err
		}
		args = append(args, v)
	}
	return args, true, nil
}
