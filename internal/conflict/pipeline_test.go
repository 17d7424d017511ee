package conflict

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/event"
)

const addBaseline = "package calc\n\nfunc Add(a, b int) int {\n\treturn a + b\n}\n"

func TestResolveFile_CombinesImports(t *testing.T) {
	p := NewPipeline()
	res := p.ResolveFile(context.Background(), "main.go", "package main\n\nfunc main() {}\n", []FileVersion{
		{TaskID: "a", Content: "package main\n\nimport \"strings\"\n\nfunc main() {}\n"},
		{TaskID: "b", Content: "package main\n\nimport \"fmt\"\n\nfunc main() {}\n"},
	})

	require.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "package main\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n)\n\nfunc main() {}\n", res.Content)
}

func TestResolveFile_CombinesPythonImportsOnce(t *testing.T) {
	res := NewPipeline().ResolveFile(context.Background(), "app.py", "def main():\n    pass\n", []FileVersion{
		{TaskID: "a", Content: "import sys\n\ndef main():\n    pass\n"},
		{TaskID: "b", Content: "import os\nimport sys\n\ndef main():\n    pass\n"},
	})
	require.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Equal(t, "import os\nimport sys\n\ndef main():\n    pass\n", res.Content)
	assert.Equal(t, 1, strings.Count(res.Content, "import sys"))
}

func TestResolveFile_CombinesAdditiveFunctions(t *testing.T) {
	res := NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
		{TaskID: "a", Content: addBaseline + "\nfunc Sub(a, b int) int {\n\treturn a - b\n}\n"},
		{TaskID: "b", Content: addBaseline + "\nfunc Mul(a, b int) int {\n\treturn a * b\n}\n"},
	})
	require.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Contains(t, res.Content, "func Add(a, b int) int")
	assert.Contains(t, res.Content, "func Sub(a, b int) int")
	assert.Contains(t, res.Content, "func Mul(a, b int) int")
	assert.Less(t, strings.Index(res.Content, "func Sub"), strings.Index(res.Content, "func Mul"))
}

func TestResolveFile_ModifyModifyNeedsAI(t *testing.T) {
	versions := []FileVersion{
		{TaskID: "a", Content: strings.Replace(addBaseline, "a + b", "a + b + 0", 1), Intent: "normalise"},
		{TaskID: "b", Content: strings.Replace(addBaseline, "a + b", "b + a", 1), Intent: "commute"},
	}

	t.Run("no resolver", func(t *testing.T) {
		res := NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, versions)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, StrategyAIRequired, res.Conflicts[0].MergeStrategy)
		assert.Equal(t, "function:Add", res.Conflicts[0].Location)
		assert.Equal(t, DecisionNeedsHumanReview, res.Decision)
		assert.Empty(t, res.Content)
	})

	t.Run("resolver", func(t *testing.T) {
		var got AIRequest
		ai := AIResolverFunc(func(_ context.Context, req AIRequest) (string, error) {
			got = req
			return "Merged:\n```go\npackage calc\n// merged\n```\nDone.", nil
		})
		res := NewPipeline(WithAIResolver(ai)).ResolveFile(context.Background(), "calc.go", addBaseline, versions)
		assert.Equal(t, DecisionAIMerged, res.Decision)
		assert.Equal(t, "package calc\n// merged\n", res.Content)
		assert.Equal(t, addBaseline, got.Baseline)
		require.Len(t, got.Versions, 2)
		assert.Equal(t, "commute", got.Versions[1].Intent)
		assert.Len(t, got.Conflicts, 1)
	})

	t.Run("no code block", func(t *testing.T) {
		ai := AIResolverFunc(func(context.Context, AIRequest) (string, error) { return "I could not merge this.", nil })
		res := NewPipeline(WithAIResolver(ai)).ResolveFile(context.Background(), "calc.go", addBaseline, versions)
		assert.Equal(t, DecisionNeedsHumanReview, res.Decision)
		assert.Contains(t, res.Reason, "no code block")
	})

	t.Run("over budget", func(t *testing.T) {
		called := false
		ai := AIResolverFunc(func(context.Context, AIRequest) (string, error) { called = true; return "", nil })
		res := NewPipeline(WithAIResolver(ai), WithMaxContextTokens(10)).
			ResolveFile(context.Background(), "calc.go", addBaseline, versions)
		assert.Equal(t, DecisionNeedsHumanReview, res.Decision)
		assert.False(t, called)
	})

	t.Run("resolver error", func(t *testing.T) {
		ai := AIResolverFunc(func(context.Context, AIRequest) (string, error) { return "", errors.New("worker down") })
		res := NewPipeline(WithAIResolver(ai)).ResolveFile(context.Background(), "calc.go", addBaseline, versions)
		assert.Equal(t, DecisionFailed, res.Decision)
		assert.Contains(t, res.Reason, "worker down")
	})
}

func TestResolveFile_RemoveVersusModifyNeedsHuman(t *testing.T) {
	called := false
	ai := AIResolverFunc(func(context.Context, AIRequest) (string, error) { called = true; return "```\nx\n```", nil })
	res := NewPipeline(WithAIResolver(ai)).ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
		{TaskID: "a", Content: "package calc\n"},
		{TaskID: "b", Content: strings.Replace(addBaseline, "a + b", "b + a", 1)},
	})

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, StrategyHumanRequired, res.Conflicts[0].MergeStrategy)
	assert.Equal(t, SeverityCritical, res.Conflicts[0].Severity)
	assert.Equal(t, DecisionNeedsHumanReview, res.Decision)
	assert.Empty(t, res.Content)
	assert.Contains(t, res.Reason, "function:Add")
	assert.False(t, called)
}

func TestResolveFile_HumanConflictDominates(t *testing.T) {
	base := addBaseline + "\nfunc Sub(a, b int) int {\n\treturn a - b\n}\n"
	res := NewPipeline(WithAIResolver(AIResolverFunc(func(context.Context, AIRequest) (string, error) {
		return "```go\nmerged\n```", nil
	}))).ResolveFile(context.Background(), "calc.go", base, []FileVersion{
		{TaskID: "a", Content: strings.Replace(strings.Replace(base, "a + b", "a+b+0", 1), "a - b", "a-b-0", 1)},
		{TaskID: "b", Content: strings.Replace(addBaseline, "a + b", "b + a", 1)},
	})
	require.Len(t, res.Conflicts, 2)
	assert.Equal(t, DecisionNeedsHumanReview, res.Decision)
	assert.Empty(t, res.Content)
}

func TestResolveFile_TakeNewerRuleAndPreferAI(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.AddRules(Rule{
		Changes:  [2]ChangeType{ModifyFunction, ModifyFunction},
		Severity: SeverityLow,
		Strategy: StrategyTakeNewer,
		Files:    []string{"**.go"},
	}))
	newer := strings.Replace(addBaseline, "a + b", "b + a", 1)
	versions := []FileVersion{
		{TaskID: "a", Content: strings.Replace(addBaseline, "a + b", "a + b + 0", 1)},
		{TaskID: "b", Content: newer},
	}

	res := NewPipeline(WithTable(table)).ResolveFile(context.Background(), "pkg/calc.go", addBaseline, versions)
	require.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Equal(t, newer, res.Content)

	ai := AIResolverFunc(func(context.Context, AIRequest) (string, error) { return "```go\nfrom ai\n```", nil })
	res = NewPipeline(WithTable(table), WithPolicy(PolicyByName("prefer_ai")), WithAIResolver(ai)).
		ResolveFile(context.Background(), "pkg/calc.go", addBaseline, versions)
	assert.Equal(t, DecisionAIMerged, res.Decision)
	assert.Equal(t, "from ai\n", res.Content)

	// Without a resolver PreferAI keeps the deterministic strategy.
	res = NewPipeline(WithTable(table), WithPolicy(PreferAI{})).
		ResolveFile(context.Background(), "pkg/calc.go", addBaseline, versions)
	assert.Equal(t, DecisionAutoMerged, res.Decision)
}

func TestResolveFile_TakeLarger(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.AddRules(Rule{
		Changes:  [2]ChangeType{ModifyFunction, ModifyFunction},
		Severity: SeverityLow,
		Strategy: StrategyTakeLarger,
	}))
	larger := strings.Replace(addBaseline, "a + b", "a + b + 0 + 0", 1)
	res := NewPipeline(WithTable(table)).ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
		{TaskID: "a", Content: larger},
		{TaskID: "b", Content: strings.Replace(addBaseline, "a + b", "b+a", 1)},
	})
	require.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Equal(t, larger, res.Content)
}

func TestResolveFile_TrivialCases(t *testing.T) {
	p := NewPipeline()

	res := p.ResolveFile(context.Background(), "a.go", "base", nil)
	assert.Equal(t, DecisionFailed, res.Decision)

	res = p.ResolveFile(context.Background(), "a.go", "base", []FileVersion{{TaskID: "a", Content: "only"}})
	assert.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Equal(t, "only", res.Content)

	res = p.ResolveFile(context.Background(), "notes.txt", "base", []FileVersion{
		{TaskID: "a", Content: "same"},
		{TaskID: "b", Content: "same"},
	})
	assert.Equal(t, DecisionAutoMerged, res.Decision)
	assert.Equal(t, "same", res.Content)
}

func TestResolveFile_UnsupportedLanguage(t *testing.T) {
	versions := []FileVersion{{TaskID: "a", Content: "one"}, {TaskID: "b", Content: "two"}}

	res := NewPipeline().ResolveFile(context.Background(), "notes.txt", "base", versions)
	assert.Equal(t, DecisionNeedsHumanReview, res.Decision)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "file:notes.txt", res.Conflicts[0].Location)

	ai := AIResolverFunc(func(context.Context, AIRequest) (string, error) { return "```\nonetwo\n```", nil })
	res = NewPipeline(WithAIResolver(ai)).ResolveFile(context.Background(), "notes.txt", "base", versions)
	assert.Equal(t, DecisionAIMerged, res.Decision)
	assert.Equal(t, "onetwo\n", res.Content)
}

func TestResolveWave(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var events []event.Event
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	p := NewPipeline(WithEmitter(bus))
	out := p.ResolveWave(context.Background(), "story-1", 2, []FileInput{
		{Path: "z.go", Baseline: addBaseline, Versions: []FileVersion{
			{TaskID: "a", Content: "package calc\n"},
			{TaskID: "b", Content: strings.Replace(addBaseline, "a + b", "b + a", 1)},
		}},
		{Path: "a.go", Baseline: "package a\n", Versions: []FileVersion{{TaskID: "a", Content: "package a\n\nvar X = 1\n"}}},
	})

	require.Len(t, out, 2)
	assert.Equal(t, "a.go", out[0].File)
	assert.Equal(t, DecisionAutoMerged, out[0].Decision)
	assert.Equal(t, DecisionNeedsHumanReview, out[1].Decision)

	require.Len(t, events, 2)
	assert.Equal(t, event.TypeMergeStarted, events[0].EventType())
	done, ok := events[1].(event.MergeEvent)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"a.go": "auto_merged", "z.go": "needs_human_review"}, done.Decisions)
}

func TestResolveWave_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := NewPipeline().ResolveWave(ctx, "story-1", 0, []FileInput{{Path: "a.go", Versions: []FileVersion{{TaskID: "a"}}}})
	require.Len(t, out, 1)
	assert.Equal(t, DecisionFailed, out[0].Decision)
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"```go\npackage x\n```", "package x\n", true},
		{"text\n```\nplain\n```\n```\nsecond\n```", "plain\n", true},
		{"```c++\nint x;\n```", "int x;\n", true},
		{"no block here", "", false},
		{"```go\nunterminated", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractCodeBlock(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPolicies(t *testing.T) {
	decisions := []Decision{DecisionAutoMerged, DecisionNeedsHumanReview, DecisionAIMerged}
	assert.Equal(t, DecisionNeedsHumanReview, Conservative{}.Fold(decisions))
	assert.Equal(t, DecisionNeedsHumanReview, PreferAI{}.Fold(decisions))
	assert.Equal(t, DecisionAutoMerged, Conservative{}.Fold(nil))
	assert.Equal(t, DecisionFailed, Conservative{}.Fold([]Decision{DecisionFailed, DecisionAIMerged}))

	human := Conflict{MergeStrategy: StrategyHumanRequired}
	assert.Equal(t, StrategyHumanRequired, PreferAI{}.Strategy(human, true))
	assert.Equal(t, StrategyAIRequired, PreferAI{}.Strategy(Conflict{MergeStrategy: StrategyTakeLarger}, true))
	assert.Equal(t, StrategyTakeLarger, Conservative{}.Strategy(Conflict{MergeStrategy: StrategyTakeLarger}, true))

	assert.Equal(t, "conservative", PolicyByName("").Name())
	assert.Equal(t, "prefer_ai", PolicyByName("PREFER_AI").Name())
}

func TestResolveFile_TopLevelTextIsNotDropped(t *testing.T) {
	withConst := strings.Replace(addBaseline, "package calc\n", "package calc\n\nconst Limit = 10\n", 1)
	goVersions := []FileVersion{
		{TaskID: "a", Content: addBaseline + "\nfunc Sub(a, b int) int {\n\treturn a - b\n}\n"},
		{TaskID: "b", Content: withConst},
	}

	t.Run("go without resolver", func(t *testing.T) {
		res := NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, goVersions)
		require.Equal(t, DecisionNeedsHumanReview, res.Decision)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, "toplevel:calc.go", res.Conflicts[0].Location)
		assert.Equal(t, [2]string{"a", "b"}, res.Conflicts[0].TasksInvolved)
		assert.Empty(t, res.Content)
	})

	t.Run("go with resolver", func(t *testing.T) {
		var got AIRequest
		ai := AIResolverFunc(func(_ context.Context, req AIRequest) (string, error) {
			got = req
			return "```go\nmerged\n```", nil
		})
		res := NewPipeline(WithAIResolver(ai)).ResolveFile(context.Background(), "calc.go", addBaseline, goVersions)
		require.Equal(t, DecisionAIMerged, res.Decision)
		assert.Equal(t, "calc.go", got.File)
		assert.Contains(t, got.Versions[1].Content, "const Limit = 10")
	})

	t.Run("python module constant", func(t *testing.T) {
		base := "def main():\n    pass\n"
		res := NewPipeline().ResolveFile(context.Background(), "app.py", base, []FileVersion{
			{TaskID: "a", Content: "import os\n\n" + base},
			{TaskID: "b", Content: "TIMEOUT = 30\n\n" + base},
		})
		require.NotEqual(t, DecisionAutoMerged, res.Decision)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, "toplevel:app.py", res.Conflicts[0].Location)
	})

	t.Run("first version keeps its own text", func(t *testing.T) {
		res := NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
			{TaskID: "a", Content: withConst},
			{TaskID: "b", Content: addBaseline + "\n// Sub subtracts.\nfunc Sub(a, b int) int {\n\treturn a - b\n}\n"},
		})
		require.Equal(t, DecisionAutoMerged, res.Decision)
		assert.Contains(t, res.Content, "const Limit = 10")
		assert.Contains(t, res.Content, "func Sub(a, b int) int")
	})
}

func TestResolveFile_DeletionAgainstEdit(t *testing.T) {
	edited := strings.Replace(addBaseline, "a + b", "b + a", 1)
	res := NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
		{TaskID: "a", Deleted: true},
		{TaskID: "b", Content: edited},
	})
	require.Equal(t, DecisionNeedsHumanReview, res.Decision)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, SeverityCritical, res.Conflicts[0].Severity)
	assert.Equal(t, [2]string{"a", "b"}, res.Conflicts[0].TasksInvolved)
	assert.Contains(t, res.Reason, "file:calc.go")
	assert.False(t, res.Deleted)

	// An empty file is not a deletion.
	res = NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
		{TaskID: "a", Deleted: true},
		{TaskID: "b", Content: ""},
	})
	assert.Equal(t, DecisionNeedsHumanReview, res.Decision)

	res = NewPipeline().ResolveFile(context.Background(), "calc.go", addBaseline, []FileVersion{
		{TaskID: "a", Deleted: true},
		{TaskID: "b", Deleted: true},
	})
	require.Equal(t, DecisionAutoMerged, res.Decision)
	assert.True(t, res.Deleted)
}
