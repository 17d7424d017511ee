package conflict

import (
	"context"
	"regexp"
	"slices"
	"strings"
)

// Combine merges versions deterministically. The first version is the
// starting point; the element changes of each later version are applied on
// top of it in order. Imports end up deduplicated and sorted. prefer maps a
// location to the strategy used when two versions both changed it;
// take_larger keeps the longer body, anything else keeps the later one.
//
// Text outside imports, functions and classes (constants, variables, module
// statements) is taken from the first version only; ResolveFile flags any
// later version whose top-level text differs so it never reaches Combine.
func Combine(ext Extractor, versions []FileVersion, changes map[string][]ChangeRecord, prefer map[string]Strategy) string {
	if len(versions) == 0 {
		return ""
	}
	merged := versions[0].Content

	imports := make(map[string]struct{})
	for _, e := range ext.Extract(merged) {
		if e.Kind == KindImport {
			imports[e.Name] = struct{}{}
		}
	}

	for _, v := range versions[1:] {
		elems := index(ext.Extract(v.Content))
		for _, rec := range changes[v.TaskID] {
			switch rec.ChangeType {
			case AddImport:
				imports[rec.Target] = struct{}{}
			case RemoveImport:
				delete(imports, rec.Target)
			case AddFunction, ModifyFunction, AddClass, ModifyClass:
				if e, ok := elems[rec.Location]; ok {
					merged = upsertElement(ext, merged, e, prefer[rec.Location])
				}
			case RemoveFunction, RemoveClass:
				merged = removeElement(ext, merged, rec.Location)
			}
		}
	}

	list := make([]string, 0, len(imports))
	for imp := range imports {
		list = append(list, imp)
	}
	slices.Sort(list)
	return ext.ReplaceImports(merged, list)
}

// residual returns the top-level text of content that lies outside every
// extracted element, one trimmed line per entry. Blank lines, comments and
// decorators are skipped.
func residual(ext Extractor, content string) string {
	content = ext.ReplaceImports(content, nil)
	elems := ext.Extract(content)
	slices.SortFunc(elems, func(a, b Element) int { return a.Start - b.Start })

	var b strings.Builder
	pos := 0
	for _, e := range append(elems, Element{Start: len(content), End: len(content)}) {
		if e.Start > pos {
			for line := range strings.SplitSeq(content[pos:e.Start], "\n") {
				line = strings.TrimSpace(line)
				if line == "" || isCommentLine(line) {
					continue
				}
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		pos = max(pos, e.End)
	}
	return b.String()
}

func isCommentLine(line string) bool {
	for _, prefix := range []string{"//", "#", "/*", "*", "@"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func findElement(ext Extractor, content, location string) (Element, bool) {
	for _, e := range ext.Extract(content) {
		if e.Location() == location {
			return e, true
		}
	}
	return Element{}, false
}

func upsertElement(ext Extractor, content string, e Element, strategy Strategy) string {
	body := strings.TrimRight(e.Body, "\n") + "\n"
	existing, ok := findElement(ext, content, e.Location())
	if !ok {
		return strings.TrimRight(content, "\n") + "\n\n" + body
	}
	if strategy == StrategyTakeLarger && len(normalizeBody(existing.Body)) >= len(normalizeBody(e.Body)) {
		return content
	}
	return content[:existing.Start] + body + content[existing.End:]
}

func removeElement(ext Extractor, content, location string) string {
	existing, ok := findElement(ext, content, location)
	if !ok {
		return content
	}
	head := content[:existing.Start]
	tail := content[existing.End:]
	if strings.HasSuffix(head, "\n\n") {
		tail = strings.TrimLeft(tail, "\n")
	}
	return head + tail
}

// AIRequest is what an AIResolver receives for one file.
type AIRequest struct {
	File      string
	Baseline  string
	Versions  []FileVersion
	Conflicts []Conflict
}

// EstimateTokens approximates the prompt size of the request at four bytes
// per token.
func (r AIRequest) EstimateTokens() int {
	n := len(r.Baseline)
	for _, v := range r.Versions {
		n += len(v.Content) + len(v.Intent)
	}
	return (n + 3) / 4
}

// AIResolver produces a merged file for conflicts that need judgement. The
// response is free text that must contain the merged file in a fenced code
// block.
type AIResolver interface {
	ResolveConflict(ctx context.Context, req AIRequest) (string, error)
}

// AIResolverFunc adapts a function to AIResolver.
type AIResolverFunc func(ctx context.Context, req AIRequest) (string, error)

// ResolveConflict implements AIResolver.
func (f AIResolverFunc) ResolveConflict(ctx context.Context, req AIRequest) (string, error) {
	return f(ctx, req)
}

var codeBlock = regexp.MustCompile("(?s)```[\\w+#.-]*[ \\t]*\\n(.*?)```")

// ExtractCodeBlock returns the contents of the first fenced code block in
// response.
func ExtractCodeBlock(response string) (string, bool) {
	m := codeBlock.FindStringSubmatch(response)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResolutionPolicy decides how conflicts on one file are handled and folds
// their decisions into the file decision.
type ResolutionPolicy interface {
	Name() string
	// Strategy returns the strategy to apply to c.
	Strategy(c Conflict, aiAvailable bool) Strategy
	// Fold combines per-conflict decisions into one file decision.
	Fold(decisions []Decision) Decision
}

// mostManual returns the most manual decision; an empty list is auto_merged.
func mostManual(decisions []Decision) Decision {
	out := DecisionAutoMerged
	for _, d := range decisions {
		if d.rank() > out.rank() {
			out = d
		}
	}
	return out
}

// Conservative applies the table's strategy as is and lets the most manual
// decision win.
type Conservative struct{}

func (Conservative) Name() string { return "conservative" }

func (Conservative) Strategy(c Conflict, _ bool) Strategy { return c.MergeStrategy }

func (Conservative) Fold(decisions []Decision) Decision { return mostManual(decisions) }

// PreferAI sends conflicts that a heuristic picker would settle by dropping
// one side (take_newer, take_larger) to the AI resolver when one is
// available. human_required conflicts are never escalated to AI.
type PreferAI struct{}

func (PreferAI) Name() string { return "prefer_ai" }

func (PreferAI) Strategy(c Conflict, aiAvailable bool) Strategy {
	if aiAvailable && (c.MergeStrategy == StrategyTakeNewer || c.MergeStrategy == StrategyTakeLarger) {
		return StrategyAIRequired
	}
	return c.MergeStrategy
}

func (PreferAI) Fold(decisions []Decision) Decision { return mostManual(decisions) }

// PolicyByName returns the policy registered under name. Unknown names yield
// Conservative.
func PolicyByName(name string) ResolutionPolicy {
	if strings.EqualFold(name, PreferAI{}.Name()) {
		return PreferAI{}
	}
	return Conservative{}
}
