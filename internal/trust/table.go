package trust

import (
	"fmt"
	"os"
	"regexp"

	"agentgate/internal/domain"

	"gopkg.in/yaml.v3"
)

// TableRule maps a tool-name pattern to an operation category and default
// risk level. Patterns are regexes; plain strings match as case-insensitive
// substrings.
type TableRule struct {
	Pattern  string                   `yaml:"pattern"`
	Category domain.OperationCategory `yaml:"category"`
	Risk     domain.RiskLevel         `yaml:"risk"`
}

type compiledRule struct {
	re       *regexp.Regexp
	category domain.OperationCategory
	risk     domain.RiskLevel
}

// Table classifies tool names. First matching rule wins; unknown tools fall
// back to high/system-config so that unrecognized capabilities fail closed.
type Table struct {
	rules []compiledRule
}

// defaultRules covers the built-in tool set. Order matters: more specific
// patterns come first.
var defaultRules = []TableRule{
	{Pattern: `^(read_file|list_dir)$`, Category: domain.CategoryFileRead, Risk: domain.RiskLow},
	{Pattern: `^write_file$`, Category: domain.CategoryFileWrite, Risk: domain.RiskMedium},
	{Pattern: `^delete_file$`, Category: domain.CategoryFileDelete, Risk: domain.RiskHigh},
	{Pattern: `^(shell|exec)$`, Category: domain.CategoryCommandExecute, Risk: domain.RiskHigh},
	{Pattern: `^(http_fetch|web_search|browser_read)$`, Category: domain.CategoryAPICall, Risk: domain.RiskMedium},
	{Pattern: `^(db_|data_)`, Category: domain.CategoryDataModify, Risk: domain.RiskHigh},
	{Pattern: `^(config_|system_)`, Category: domain.CategorySystemConfig, Risk: domain.RiskCritical},
}

// DefaultTable returns the built-in classification table.
func DefaultTable() *Table {
	t, err := NewTable(defaultRules)
	if err != nil {
		// Built-in patterns are constants; a compile failure is a bug.
		panic(err)
	}
	return t
}

// NewTable compiles a rule list into a table.
func NewTable(rules []TableRule) (*Table, error) {
	t := &Table{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if !r.Risk.Valid() {
			return nil, fmt.Errorf("rule %q: invalid risk level %q", r.Pattern, r.Risk)
		}
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		t.rules = append(t.rules, compiledRule{re: re, category: r.Category, risk: r.Risk})
	}
	return t, nil
}

// LoadTable reads a rule file and appends the built-in rules after it, so a
// custom file can override classifications without restating the defaults.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read classification table %s: %w", path, err)
	}
	var file struct {
		Rules []TableRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("cannot parse classification table %s: %w", path, err)
	}
	return NewTable(append(file.Rules, defaultRules...))
}

// Classify derives the risk classification for a tool name.
func (t *Table) Classify(toolName string) domain.RiskClassification {
	for _, r := range t.rules {
		if r.re.MatchString(toolName) {
			return domain.RiskClassification{Category: r.category, Level: r.risk}
		}
	}
	return domain.RiskClassification{
		Category: domain.CategorySystemConfig,
		Level:    domain.RiskHigh,
	}
}

// compilePattern treats strings containing regex metacharacters as regexes
// and everything else as a case-insensitive literal match.
func compilePattern(p string) (*regexp.Regexp, error) {
	if isRegex(p) {
		return regexp.Compile(p)
	}
	return regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
