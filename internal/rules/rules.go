// Package rules loads per-category rule sets. Rules are data: each file is
// parsed once per run, checked against a fixed schema and then treated as
// immutable.
package rules

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/textmatch"
)

// DefaultSearchTemplate is used when a rule set declares no template.
const DefaultSearchTemplate = "{item_name} {item_code} specifications"

// DefaultMaxDescriptionChars bounds synthesized descriptions.
const DefaultMaxDescriptionChars = 400

// RuleSet is the parsed configuration for one category.
type RuleSet struct {
	CategoryID          string            `yaml:"category_id"`
	Name                string            `yaml:"name"`
	WebSearchRequired   bool              `yaml:"web_search_required"`
	SearchTemplate      string            `yaml:"search_template"`
	AlwaysEscalate      []string          `yaml:"always_escalate"`
	KeywordRules        []KeywordRule     `yaml:"keyword_rules"`
	CodeRanges          []CodeRange       `yaml:"code_ranges"`
	Exclusions          []Exclusion       `yaml:"exclusions"`
	Consistency         []Consistency     `yaml:"consistency"`
	Attributes          map[string]string `yaml:"attributes"`
	MaxDescriptionChars int               `yaml:"max_description_chars"`
	Guidance            string            `yaml:"guidance"`

	attrPatterns map[string]*regexp.Regexp
	attrNames    []string
}

// KeywordRule assigns Code when every All phrase, at least one Any phrase
// (if listed) and no None phrase occur in the item name.
type KeywordRule struct {
	Name       string   `yaml:"name"`
	All        []string `yaml:"all"`
	Any        []string `yaml:"any"`
	None       []string `yaml:"none"`
	Code       string   `yaml:"code"`
	Confidence int      `yaml:"confidence"`
}

// CodeRange describes a block of codes and the attribute values they imply.
type CodeRange struct {
	Prefix      string            `yaml:"prefix"`
	Description string            `yaml:"description"`
	Attributes  map[string]string `yaml:"attributes"`
}

// Exclusion forbids codes starting with any of CodePrefixes.
type Exclusion struct {
	Name         string   `yaml:"name"`
	CodePrefixes []string `yaml:"code_prefixes"`
}

// Consistency requires that a record whose Attribute has a listed value is
// mapped to a code starting with the matching prefix. When AppliesTo is set
// the rule only covers codes under that prefix.
type Consistency struct {
	Name      string            `yaml:"name"`
	Attribute string            `yaml:"attribute"`
	AppliesTo string            `yaml:"applies_to"`
	Values    map[string]string `yaml:"values"`
}

// Parse decodes and validates a rule set for categoryID. Unknown keys are
// rejected.
func Parse(data []byte, categoryID string) (*RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, eris.Wrap(err, "rules: parse")
	}
	if err := rs.compile(categoryID); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) compile(categoryID string) error {
	rs.CategoryID = model.NormalizeCategoryID(rs.CategoryID)
	want := model.NormalizeCategoryID(categoryID)
	if rs.CategoryID == "" {
		return eris.New("rules: category_id is required")
	}
	if want != "" && rs.CategoryID != want {
		return eris.Errorf("rules: file declares category %s, expected %s", rs.CategoryID, want)
	}
	if rs.MaxDescriptionChars < 0 {
		return eris.New("rules: max_description_chars must be >= 0")
	}
	if rs.MaxDescriptionChars == 0 {
		rs.MaxDescriptionChars = DefaultMaxDescriptionChars
	}
	if rs.SearchTemplate != "" && !strings.Contains(rs.SearchTemplate, "{") {
		return eris.New("rules: search_template has no placeholders")
	}

	for i, kw := range rs.AlwaysEscalate {
		if strings.TrimSpace(kw) == "" {
			return eris.Errorf("rules: always_escalate[%d] is empty", i)
		}
	}

	for i, kr := range rs.KeywordRules {
		if kr.Name == "" {
			return eris.Errorf("rules: keyword_rules[%d] has no name", i)
		}
		if len(kr.All) == 0 {
			return eris.Errorf("rules: keyword rule %q needs at least one 'all' keyword", kr.Name)
		}
		if kr.Confidence < 0 || kr.Confidence > 100 {
			return eris.Errorf("rules: keyword rule %q confidence %d out of range", kr.Name, kr.Confidence)
		}
		if model.CategoryFromCode(kr.Code) != rs.CategoryID {
			return eris.Errorf("rules: keyword rule %q assigns %q outside category %s", kr.Name, kr.Code, rs.CategoryID)
		}
	}

	for i, cr := range rs.CodeRanges {
		if cr.Prefix == "" {
			return eris.Errorf("rules: code_ranges[%d] has no prefix", i)
		}
	}

	for i, ex := range rs.Exclusions {
		if ex.Name == "" {
			return eris.Errorf("rules: exclusions[%d] has no name", i)
		}
		if len(ex.CodePrefixes) == 0 {
			return eris.Errorf("rules: exclusion %q lists no code prefixes", ex.Name)
		}
	}

	rs.attrPatterns = make(map[string]*regexp.Regexp, len(rs.Attributes))
	for name, pattern := range rs.Attributes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return eris.Wrapf(err, "rules: attribute %q pattern", name)
		}
		rs.attrPatterns[name] = re
		rs.attrNames = append(rs.attrNames, name)
	}
	sort.Strings(rs.attrNames)

	for _, c := range rs.Consistency {
		if c.Name == "" || c.Attribute == "" {
			return eris.New("rules: consistency rule needs name and attribute")
		}
		if len(c.Values) == 0 {
			return eris.Errorf("rules: consistency rule %q lists no values", c.Name)
		}
		if _, ok := rs.attrPatterns[c.Attribute]; !ok {
			return eris.Errorf("rules: consistency rule %q references undefined attribute %q", c.Name, c.Attribute)
		}
	}
	return nil
}

// EscalationTrigger returns the always-escalate keyword found in name.
func (rs *RuleSet) EscalationTrigger(name string) (string, bool) {
	for _, kw := range rs.AlwaysEscalate {
		if textmatch.ContainsPhrase(name, kw) {
			return kw, true
		}
	}
	return "", false
}

// ForcedEscalation reports whether the rule set sends name to enrichment
// whatever its match confidence, with the reason.
func (rs *RuleSet) ForcedEscalation(name string) (string, bool) {
	if kw, ok := rs.EscalationTrigger(name); ok {
		return fmt.Sprintf("always escalate: %q", kw), true
	}
	if rs.WebSearchRequired {
		return "category requires web search", true
	}
	return "", false
}

// MatchKeywords returns the first keyword rule satisfied by name.
func (rs *RuleSet) MatchKeywords(name string) (KeywordRule, bool) {
	for _, kr := range rs.KeywordRules {
		if kr.matches(name) {
			return kr, true
		}
	}
	return KeywordRule{}, false
}

func (kr KeywordRule) matches(name string) bool {
	for _, p := range kr.All {
		if !textmatch.ContainsPhrase(name, p) {
			return false
		}
	}
	for _, p := range kr.None {
		if textmatch.ContainsPhrase(name, p) {
			return false
		}
	}
	if len(kr.Any) == 0 {
		return true
	}
	for _, p := range kr.Any {
		if textmatch.ContainsPhrase(name, p) {
			return true
		}
	}
	return false
}

// Query fills the search template for a record.
func (rs *RuleSet) Query(itemCode, itemName string) string {
	tmpl := rs.SearchTemplate
	if tmpl == "" {
		tmpl = DefaultSearchTemplate
	}
	q := strings.NewReplacer(
		"{item_code}", itemCode,
		"{item_name}", itemName,
		"{Part Code}", itemCode,
		"{Part Name}", itemName,
	).Replace(tmpl)
	return strings.Join(strings.Fields(q), " ")
}

// ExtractAttributes applies the attribute patterns to text. The first
// capture group is used when present, otherwise the whole match.
func (rs *RuleSet) ExtractAttributes(text string) map[string]string {
	out := make(map[string]string)
	for _, name := range rs.attrNames {
		m := rs.attrPatterns[name].FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v := m[0]
		if len(m) > 1 && m[1] != "" {
			v = m[1]
		}
		out[name] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

// AttributeNames lists the attributes this rule set extracts.
func (rs *RuleSet) AttributeNames() []string {
	out := make([]string, len(rs.attrNames))
	copy(out, rs.attrNames)
	return out
}

// ExclusionViolation returns the name of the exclusion that code breaks.
// Declared exclusions are reported first; a code from another category
// always violates the category boundary.
func (rs *RuleSet) ExclusionViolation(code string) (string, bool) {
	for _, ex := range rs.Exclusions {
		for _, p := range ex.CodePrefixes {
			if strings.HasPrefix(code, p) {
				return ex.Name, true
			}
		}
	}
	if cat := model.CategoryFromCode(code); cat != rs.CategoryID {
		return fmt.Sprintf("category boundary (code belongs to category %s)", cat), true
	}
	return "", false
}

// ConsistencyIssues checks a mapped code against the record's attributes.
func (rs *RuleSet) ConsistencyIssues(code string, attrs map[string]string) []string {
	var issues []string
	for _, c := range rs.Consistency {
		if c.AppliesTo != "" && !strings.HasPrefix(code, c.AppliesTo) {
			continue
		}
		val, ok := attrs[c.Attribute]
		if !ok {
			continue
		}
		prefix, ok := c.Values[val]
		if !ok {
			continue
		}
		if !strings.HasPrefix(code, prefix) {
			issues = append(issues, fmt.Sprintf("consistency rule %q: %s=%s expects code %s*, got %s", c.Name, c.Attribute, val, prefix, code))
		}
	}
	if cr, ok := rs.rangeFor(code); ok {
		names := make([]string, 0, len(cr.Attributes))
		for name := range cr.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if got, ok := attrs[name]; ok && got != cr.Attributes[name] {
				issues = append(issues, fmt.Sprintf("code range %s implies %s=%s, record has %s", cr.Prefix, name, cr.Attributes[name], got))
			}
		}
	}
	return issues
}

// rangeFor returns the longest code range containing code.
func (rs *RuleSet) rangeFor(code string) (CodeRange, bool) {
	var best CodeRange
	found := false
	for _, cr := range rs.CodeRanges {
		if strings.HasPrefix(code, cr.Prefix) && len(cr.Prefix) > len(best.Prefix) {
			best = cr
			found = true
		}
	}
	return best, found
}
