// Package steps implements step definition registration as Cucumber
// expressions or raw regular expressions, keyword-type-scoped matching,
// ambiguity detection, and did-you-mean suggestions for undefined steps.
package steps

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bdd/gherkin"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
)

// Handler is a registered step's implementation. ctx carries whatever the
// executor's World provides; args are the step's captured/typed
// parameters.
type Handler func(ctx any, args []any) error

// registrationKeyword scopes a registration to one effective keyword type,
// or to Any so it matches regardless of Given/When/Then.
type registrationKeyword int

const (
	Given registrationKeyword = iota
	When
	Then
	Any
)

func keywordMatches(rk registrationKeyword, effective gherkin.KeywordType) bool {
	if rk == Any {
		return true
	}
	switch effective {
	case gherkin.KeywordContext:
		return rk == Given
	case gherkin.KeywordAction:
		return rk == When
	case gherkin.KeywordOutcome:
		return rk == Then
	default:
		// A `*` step carries no keyword type of its own and matches a
		// registration of any keyword.
		return true
	}
}

// Registration is one step definition as stored in a StepRegistry.
type Registration struct {
	Keyword registrationKeyword
	Source string // original pattern text, for Error messages and Suggest
	compiled *compiledExpression
	raw *regexp.Regexp // set instead of compiled when Source was a *regexp.Regexp
	concrete bool // true for a pattern with no capture placeholders
	Handler Handler
	TagScope tags.Expr // nil means unscoped (always eligible)
}

// Match is the result of a successful StepRegistry.Match call.
type Match struct {
	Registration *Registration
	Args []any
}

// StepRegistry holds the step definitions for a BDD run.
type StepRegistry struct {
	mu sync.RWMutex
	registrations []*Registration
	parameterTypes map[string]ParameterType
	seen map[string]bool // canonical (keyword, source) dedup key
}

// New returns an empty StepRegistry.
func New() *StepRegistry {
	return &StepRegistry{
		parameterTypes: map[string]ParameterType{},
		seen: map[string]bool{},
	}
}

// DefineParameterType registers a custom {name} parameter type usable by
// subsequently-registered Cucumber expressions.
func (r *StepRegistry) DefineParameterType(pt ParameterType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parameterTypes[pt.Name] = pt
}

// Register adds a step definition. pattern is either a Cucumber expression
// string or a *regexp.Regexp. It returns an error if (keyword, pattern) was
// already registered.
func (r *StepRegistry) Register(keyword registrationKeyword, pattern any, handler Handler, tagScope tags.Expr) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &Registration{Keyword: keyword, Handler: handler, TagScope: tagScope}
	switch p := pattern.(type) {
	case string:
		ce, err := compileExpression(p, r.parameterTypes)
		if err != nil {
			return nil, err
		}
		reg.Source = p
		reg.compiled = ce
		reg.concrete = ce.literal
	case *regexp.Regexp:
		reg.Source = p.String()
		reg.raw = p
		reg.concrete = false
	default:
		return nil, &unsupportedPatternError{}
	}

	key := canonicalKey(keyword, reg.Source)
	if r.seen[key] {
		return nil, &duplicateRegistrationError{Keyword: keyword, Pattern: reg.Source}
	}
	r.seen[key] = true
	r.registrations = append(r.registrations, reg)
	return reg, nil
}

func canonicalKey(keyword registrationKeyword, source string) string {
	return strings.ToLower(source) + "\x00" + keywordLabel(keyword)
}

func keywordLabel(k registrationKeyword) string {
	switch k {
	case Given:
		return "Given"
	case When:
		return "When"
	case Then:
		return "Then"
	default:
		return "Any"
	}
}

type unsupportedPatternError struct{}

func (e *unsupportedPatternError) Error() string {
	return "step pattern must be a string (Cucumber expression) or *regexp.Regexp"
}

type duplicateRegistrationError struct {
	Keyword registrationKeyword
	Pattern string
}

func (e *duplicateRegistrationError) Error() string {
	return "duplicate step registration for " + keywordLabel(e.Keyword) + " " + e.Pattern
}

// Match finds the registration matching stepText, scoped by the step's
// effective keyword type and the scenario's active tags. Concrete (fully
// literal, no-placeholder) patterns take priority over parameterized or
// regex patterns when more than one would otherwise match, resolving the
// common "more specific wins" ambiguity case before treating the step as
// genuinely ambiguous.
func (r *StepRegistry) Match(stepText string, effective gherkin.KeywordType, activeTags []string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Match
	for _, reg := range r.registrations {
		if !keywordMatches(reg.Keyword, effective) {
			continue
		}
		if reg.TagScope != nil && !tags.Evaluate(reg.TagScope, activeTags) {
			continue
		}
		args, ok, transformErr := tryMatch(reg, stepText)
		if transformErr != nil {
			continue // a transform error on this registration disqualifies it silently; the error is not reported
		}
		if ok {
			candidates = append(candidates, &Match{Registration: reg, Args: args})
		}
	}

	if len(candidates) == 0 {
		return nil, bcerr.ErrUndefinedStep
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	concrete := filterConcrete(candidates)
	if len(concrete) == 1 {
		return concrete[0], nil
	}
	if len(concrete) > 1 {
		candidates = concrete
	}

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Registration.Source)
	}
	return nil, &bcerr.AmbiguousStepError{StepText: stepText, Matches: names}
}

func filterConcrete(candidates []*Match) []*Match {
	var out []*Match
	for _, c := range candidates {
		if c.Registration.concrete {
			out = append(out, c)
		}
	}
	return out
}

func tryMatch(reg *Registration, stepText string) ([]any, bool, error) {
	if reg.compiled != nil {
		args, ok, err := reg.compiled.capture(stepText)
		return args, ok, err
	}
	m := reg.raw.FindStringSubmatch(stepText)
	if m == nil {
		return nil, false, nil
	}
	args := make([]any, 0, len(m)-1)
	for _, g := range m[1:] {
		args = append(args, g)
	}
	return args, true, nil
}

// Suggest returns up to limit registered patterns ranked by edit distance
// to stepText, for "did you mean" hints on undefined steps.
func (r *StepRegistry) Suggest(stepText string, limit int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		source string
		dist int
	}
	var all []scored
	seenSource := map[string]bool{}
	for _, reg := range r.registrations {
		if seenSource[reg.Source] {
			continue
		}
		seenSource[reg.Source] = true
		all = append(all, scored{source: reg.Source, dist: levenshtein(stepText, reg.Source)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].source < all[j].source
	})
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]string, 0, limit)
	for _, s := range all[:limit] {
		out = append(out, s.source)
	}
	return out
}

// levenshtein computes the classic single-character edit distance between
// a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	if n == 0 {
		return m
	}
	if m == 0 {
		return n
	}
	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for j := 0; j <= m; j++ {
		prev[j] = j
	}
	for i := 1; i <= n; i++ {
		curr[0] = i
		for j := 1; j <= m; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			best := del
			if ins < best {
				best = ins
			}
			if sub < best {
				best = sub
			}
			curr[j] = best
		}
		prev, curr = curr, prev
	}
	return prev[m]
}
