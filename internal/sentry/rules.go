package sentry

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultExcerptLen bounds the escaped excerpt reported with a match.
const DefaultExcerptLen = 100

// Rule is one disallowed content signature.
type Rule interface {
	// Locate returns the byte index of the leftmost match in text.
	Locate(text string) (int, bool)
	// Source is the textual form reported with a match.
	Source() string
}

type RegexRule struct{ re *regexp.Regexp }

func NewRegexRule(expr string) (*RegexRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
	}
	return &RegexRule{re: re}, nil
}

func MustRegexRule(expr string) *RegexRule {
	r, err := NewRegexRule(expr)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *RegexRule) Locate(text string) (int, bool) {
	loc := r.re.FindStringIndex(text)
	if loc == nil {
		return 0, false
	}
	return loc[0], true
}

func (r *RegexRule) Source() string { return r.re.String() }

// PlainRule matches a literal substring, optionally ignoring case.
type PlainRule struct {
	s           string
	insensitive bool
	fold        *regexp.Regexp
}

func NewPlainRule(s string, insensitive bool) *PlainRule {
	p := &PlainRule{s: s, insensitive: insensitive}
	if insensitive {
		// lowercasing the haystack may shift byte offsets, so fold through regexp
		p.fold = regexp.MustCompile("(?i)" + regexp.QuoteMeta(s))
	}
	return p
}

func (p *PlainRule) Locate(text string) (int, bool) {
	if p.insensitive {
		loc := p.fold.FindStringIndex(text)
		if loc == nil {
			return 0, false
		}
		return loc[0], true
	}
	i := strings.Index(text, p.s)
	return i, i >= 0
}

func (p *PlainRule) Source() string {
	if p.insensitive {
		return "plain:i:" + p.s
	}
	return p.s
}

// defaultExprs is evaluated top to bottom; the first hit wins.
var defaultExprs = []string{
	`(?is)<script\b.*?</script>`,
	`(?is)<iframe\b.*?</iframe>`,
	`(?is)<object\b.*?</object>`,
	`(?is)<embed\b.*?</embed>`,
	`(?is)<style\b.*?</style>`,
	`(?i)javascript:`,
	`(?i)data:text/html`,
	`(?i)on\w+\s*=`,
	`(?i)<img src="x" onerror=".*?"`,
	`(?i)<body onload=".*?"`,
	`(?i)<svg onload=".*?"`,
	`(?i)expression\(.*?\)`,
	`(?i)vbscript:`,
	`(?i)data:(?:text|application)/(?:x-)?(?:javascript|ecmascript)`,
	`(?i)data:image/svg\+xml`,
	`(?i)\beval\s*\(`,
	`(?i)\bnew\s+Function\s*\(`,
	`(?i)\bset(?:Timeout|Interval)\s*\(\s*["']`,
	`(?i)\bdocument\s*\.\s*(?:cookie|write(?:ln)?|domain)\b`,
	`(?i)\b(?:local|session)Storage\s*[.\[]`,
	`(?i)\.(?:inner|outer)HTML\s*=`,
	`(?i)\bwindow\s*\.\s*location\b`,
	`(?i)<meta\b[^>]*http-equiv\s*=\s*["']?refresh`,
	`(?i)<link\b[^>]*rel\s*=\s*["']?import`,
	`(?i)<base\b[^>]*href\s*=`,
}

var defaultRules = func() []Rule {
	rules := make([]Rule, 0, len(defaultExprs))
	for _, expr := range defaultExprs {
		rules = append(rules, MustRegexRule(expr))
	}
	return rules
}()

// RuleSet is an ordered, immutable list of rules.
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: append([]Rule(nil), rules...)}
}

// DefaultRuleSet returns the built-in script-injection signatures.
func DefaultRuleSet() *RuleSet { return NewRuleSet(defaultRules...) }

// With returns a new set with extra appended after the existing rules.
func (rs *RuleSet) With(extra ...Rule) *RuleSet {
	out := make([]Rule, 0, len(rs.rules)+len(extra))
	out = append(out, rs.rules...)
	out = append(out, extra...)
	return &RuleSet{rules: out}
}

func (rs *RuleSet) Len() int { return len(rs.rules) }

func (rs *RuleSet) Rules() []Rule { return append([]Rule(nil), rs.rules...) }

// Find returns the first rule in list order that matches text, and the byte
// index of its match. Later rules are not consulted once one hits.
func (rs *RuleSet) Find(text string) (Rule, int, bool) {
	for _, r := range rs.rules {
		if i, ok := r.Locate(text); ok {
			return r, i, true
		}
	}
	return nil, 0, false
}

// Match reports where a rule hit.
type Match struct {
	Pattern string `json:"pattern"`
	// Offset counts characters, not bytes.
	Offset  int    `json:"offset"`
	Excerpt string `json:"excerpt"`
}

// Scan runs the set over text. The excerpt holds up to excerptLen characters
// starting at the match and is HTML-escaped.
func (rs *RuleSet) Scan(text string, excerptLen int) *Match {
	r, i, ok := rs.Find(text)
	if !ok {
		return nil
	}
	if excerptLen <= 0 {
		excerptLen = DefaultExcerptLen
	}
	return &Match{
		Pattern: r.Source(),
		Offset:  utf8.RuneCountInString(text[:i]),
		Excerpt: EscapeHTML(Excerpt(text, i, excerptLen)),
	}
}
