// Package conflict merges the versions of a file produced by concurrent tasks.
//
// The pipeline runs per file. Each task's version is reduced to semantic
// elements (imports, functions, classes) by a language Extractor and diffed
// against the baseline into ChangeRecords. Pairs of records from different
// tasks that touch the same location are classified by a CompatibilityTable.
// Compatible changes are combined deterministically; incompatible ones are
// sent to an AIResolver or flagged for human review.
package conflict

// ElementKind is the kind of a semantic element.
type ElementKind string

const (
	KindImport   ElementKind = "import"
	KindFunction ElementKind = "function"
	KindClass    ElementKind = "class"
)

// Element is a named top-level piece of a source file. Start and End are
// byte offsets of Body within the content it was extracted from.
type Element struct {
	Kind  ElementKind
	Name  string
	Body  string
	Start int
	End   int
}

// Location identifies an element independently of its content.
func (e Element) Location() string {
	return string(e.Kind) + ":" + e.Name
}

// ChangeType classifies a ChangeRecord.
type ChangeType string

const (
	AddImport      ChangeType = "add_import"
	RemoveImport   ChangeType = "remove_import"
	AddFunction    ChangeType = "add_function"
	ModifyFunction ChangeType = "modify_function"
	RemoveFunction ChangeType = "remove_function"
	AddClass       ChangeType = "add_class"
	ModifyClass    ChangeType = "modify_class"
	RemoveClass    ChangeType = "remove_class"
)

// ChangeTypes lists every change type.
var ChangeTypes = []ChangeType{
	AddImport, RemoveImport,
	AddFunction, ModifyFunction, RemoveFunction,
	AddClass, ModifyClass, RemoveClass,
}

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	for _, known := range ChangeTypes {
		if c == known {
			return true
		}
	}
	return false
}

// ChangeRecord is one semantic difference between a task's version and the
// baseline.
type ChangeRecord struct {
	ChangeType ChangeType `json:"changeType" yaml:"change_type"`
	Target     string     `json:"target" yaml:"target"`
	Location   string     `json:"location" yaml:"location"`

	// Body is the element as the task left it; empty for removals.
	Body string `json:"-" yaml:"-"`
}

// Severity ranks a conflict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Strategy is the suggested way to merge a conflict.
type Strategy string

const (
	StrategyCombine       Strategy = "combine"
	StrategyTakeNewer     Strategy = "take_newer"
	StrategyTakeLarger    Strategy = "take_larger"
	StrategyAIRequired    Strategy = "ai_required"
	StrategyHumanRequired Strategy = "human_required"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyCombine, StrategyTakeNewer, StrategyTakeLarger, StrategyAIRequired, StrategyHumanRequired:
		return true
	}
	return false
}

// Conflict is an incompatible pair of changes from two tasks on one location.
type Conflict struct {
	File          string        `json:"file"`
	Location      string        `json:"location"`
	TasksInvolved [2]string     `json:"tasksInvolved"`
	ChangeTypes   [2]ChangeType `json:"changeTypes"`
	Severity      Severity      `json:"severity"`
	MergeStrategy Strategy      `json:"mergeStrategy"`
}

// Decision is the outcome of resolving a file.
type Decision string

const (
	DecisionAutoMerged       Decision = "auto_merged"
	DecisionAIMerged         Decision = "ai_merged"
	DecisionNeedsHumanReview Decision = "needs_human_review"
	DecisionFailed           Decision = "failed"
)

// rank orders decisions from least to most manual.
func (d Decision) rank() int {
	switch d {
	case DecisionAutoMerged:
		return 0
	case DecisionAIMerged:
		return 1
	case DecisionNeedsHumanReview:
		return 2
	default:
		return 3
	}
}

// Applied reports whether the resolution produced content that may be written.
func (d Decision) Applied() bool {
	return d == DecisionAutoMerged || d == DecisionAIMerged
}

// FileVersion is one task's copy of a file.
type FileVersion struct {
	TaskID  string
	Content string
	// Intent is the task's stated goal, passed to the AI resolver.
	Intent string
	// Deleted reports that the task removed the file; Content is empty.
	Deleted bool
}

// FileResolution is the result of resolving one file.
type FileResolution struct {
	File      string
	Decision  Decision
	Content   string // empty unless Decision.Applied()
	Deleted   bool   // the applied result is the file's removal
	Conflicts []Conflict
	Changes   map[string][]ChangeRecord // task id -> changes
	Reason    string
}
