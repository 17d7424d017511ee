package conflict

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/buildpilot/internal/errors"
)

// Compatibility is the table entry for an unordered pair of change types.
type Compatibility struct {
	Compatible bool
	Severity   Severity
	Strategy   Strategy
}

type pairKey struct{ a, b ChangeType }

func keyFor(a, b ChangeType) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Rule is a project-specific table entry, optionally scoped to files.
type Rule struct {
	Changes    [2]ChangeType `yaml:"changes"`
	Compatible bool          `yaml:"compatible"`
	Severity   Severity      `yaml:"severity"`
	Strategy   Strategy      `yaml:"strategy"`
	// Files are glob patterns matched against the slash-separated file path.
	// An empty list matches every file.
	Files []string `yaml:"files,omitempty"`

	globs []glob.Glob
}

func (r *Rule) compile() error {
	for i, c := range r.Changes {
		if !c.Valid() {
			return fmt.Errorf("changes[%d]: unknown change type %q", i, c)
		}
	}
	if !r.Compatible {
		if !r.Severity.Valid() {
			return fmt.Errorf("unknown severity %q", r.Severity)
		}
		if !r.Strategy.Valid() {
			return fmt.Errorf("unknown strategy %q", r.Strategy)
		}
	}
	r.globs = r.globs[:0]
	for _, pattern := range r.Files {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return fmt.Errorf("files: %w", err)
		}
		r.globs = append(r.globs, g)
	}
	return nil
}

func (r *Rule) matches(file string, key pairKey) bool {
	if keyFor(r.Changes[0], r.Changes[1]) != key {
		return false
	}
	if len(r.globs) == 0 {
		return true
	}
	for _, g := range r.globs {
		if g.Match(file) {
			return true
		}
	}
	return false
}

// CompatibilityTable classifies pairs of change types. Lookups are
// symmetric. Custom rules are consulted in order before the defaults.
type CompatibilityTable struct {
	defaults map[pairKey]Compatibility
	rules    []Rule
	fallback Compatibility
}

// DefaultTable returns the built-in table.
func DefaultTable() *CompatibilityTable {
	t := &CompatibilityTable{
		defaults: make(map[pairKey]Compatibility),
		fallback: Compatibility{Severity: SeverityHigh, Strategy: StrategyHumanRequired},
	}
	set := func(a, b ChangeType, c Compatibility) { t.defaults[keyFor(a, b)] = c }
	compatible := Compatibility{Compatible: true, Severity: SeverityLow, Strategy: StrategyCombine}

	set(AddImport, AddImport, compatible)
	set(RemoveImport, RemoveImport, compatible)
	set(RemoveFunction, RemoveFunction, compatible)
	set(RemoveClass, RemoveClass, compatible)
	set(AddImport, RemoveImport, Compatibility{Severity: SeverityMedium, Strategy: StrategyTakeNewer})

	set(AddFunction, AddFunction, Compatibility{Severity: SeverityHigh, Strategy: StrategyAIRequired})
	set(ModifyFunction, ModifyFunction, Compatibility{Severity: SeverityHigh, Strategy: StrategyAIRequired})
	set(RemoveFunction, ModifyFunction, Compatibility{Severity: SeverityCritical, Strategy: StrategyHumanRequired})

	set(AddClass, AddClass, Compatibility{Severity: SeverityHigh, Strategy: StrategyAIRequired})
	set(ModifyClass, ModifyClass, Compatibility{Severity: SeverityHigh, Strategy: StrategyAIRequired})
	set(RemoveClass, ModifyClass, Compatibility{Severity: SeverityCritical, Strategy: StrategyHumanRequired})
	return t
}

// AddRules appends custom rules after validating them.
func (t *CompatibilityTable) AddRules(rules ...Rule) error {
	for i := range rules {
		if err := rules[i].compile(); err != nil {
			return errors.NewValidationError(fmt.Sprintf("merge rule %d: %v", i, err)).
				WithField("rules").WithCause(errors.ErrInvalidInput)
		}
	}
	t.rules = append(t.rules, rules...)
	return nil
}

// Rules returns the number of custom rules.
func (t *CompatibilityTable) Rules() int { return len(t.rules) }

// Lookup classifies the pair (a, b) for file.
func (t *CompatibilityTable) Lookup(file string, a, b ChangeType) Compatibility {
	key := keyFor(a, b)
	for i := range t.rules {
		if r := &t.rules[i]; r.matches(file, key) {
			return Compatibility{Compatible: r.Compatible, Severity: r.Severity, Strategy: r.Strategy}
		}
	}
	if c, ok := t.defaults[key]; ok {
		return c
	}
	return t.fallback
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse merge rules: %w", err)
	}
	return f.Rules, nil
}

// LoadTable returns the default table extended with the rules in path. A
// missing file yields the defaults.
func LoadTable(path string) (*CompatibilityTable, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read merge rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	if err := t.AddRules(rules...); err != nil {
		return nil, err
	}
	return t, nil
}
