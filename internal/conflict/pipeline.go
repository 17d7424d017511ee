package conflict

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/buildpilot/internal/event"
	"github.com/Iron-Ham/buildpilot/internal/logging"
)

// DefaultMaxContextTokens bounds AI requests when none is configured.
const DefaultMaxContextTokens = 100_000

// Pipeline resolves files touched by several tasks.
type Pipeline struct {
	table     *CompatibilityTable
	ai        AIResolver
	policy    ResolutionPolicy
	maxTokens int
	events    event.Emitter
	logger    *logging.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTable sets the compatibility table.
func WithTable(t *CompatibilityTable) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.table = t
		}
	}
}

// WithAIResolver enables AI resolution of ai_required conflicts.
func WithAIResolver(ai AIResolver) Option {
	return func(p *Pipeline) { p.ai = ai }
}

// WithPolicy sets the resolution policy.
func WithPolicy(policy ResolutionPolicy) Option {
	return func(p *Pipeline) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// WithMaxContextTokens bounds the size of AI requests.
func WithMaxContextTokens(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithEmitter sets where merge events are published.
func WithEmitter(e event.Emitter) Option {
	return func(p *Pipeline) { p.events = event.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline creates a Pipeline with the default table and the
// Conservative policy.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		table:     DefaultTable(),
		policy:    Conservative{},
		maxTokens: DefaultMaxContextTokens,
		events:    event.Nop,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the active resolution policy.
func (p *Pipeline) Policy() ResolutionPolicy { return p.policy }

// ResolveFile merges the versions of file. Versions are applied in the given
// order, so later versions count as newer.
func (p *Pipeline) ResolveFile(ctx context.Context, file, baseline string, versions []FileVersion) FileResolution {
	res := FileResolution{File: file}
	logger := p.logger.With("file", file)

	switch {
	case len(versions) == 0:
		res.Decision = DecisionFailed
		res.Reason = "no task versions"
		return res
	case len(versions) == 1 || allEqual(versions):
		res.Decision = DecisionAutoMerged
		res.Content = versions[0].Content
		res.Deleted = versions[0].Deleted
		return res
	}

	if c, ok := deletionConflict(file, versions); ok {
		res.Conflicts = []Conflict{c}
		res.Decision = DecisionNeedsHumanReview
		res.Reason = humanReason(res.Conflicts)
		logger.Info("file resolved", "decision", string(res.Decision), "conflicts", 1, "policy", p.policy.Name())
		return res
	}

	ext := ExtractorFor(file)
	if ext == nil {
		// Without an extractor the whole file is one opaque location.
		res.Conflicts = []Conflict{{
			File:          file,
			Location:      "file:" + file,
			TasksInvolved: [2]string{versions[0].TaskID, versions[1].TaskID},
			Severity:      SeverityHigh,
			MergeStrategy: StrategyAIRequired,
		}}
	} else {
		res.Changes = make(map[string][]ChangeRecord, len(versions))
		for _, v := range versions {
			res.Changes[v.TaskID] = Analyze(ext, baseline, v.Content)
		}
		res.Conflicts = p.table.Detect(file, res.Changes)
		res.Conflicts = append(res.Conflicts, topLevelConflicts(ext, file, baseline, versions)...)
	}

	decisions := make([]Decision, 0, len(res.Conflicts))
	prefer := make(map[string]Strategy)
	for _, c := range res.Conflicts {
		strategy := p.policy.Strategy(c, p.ai != nil)
		prefer[c.Location] = strategy
		switch strategy {
		case StrategyCombine, StrategyTakeNewer, StrategyTakeLarger:
			decisions = append(decisions, DecisionAutoMerged)
		case StrategyAIRequired:
			decisions = append(decisions, DecisionAIMerged)
		default:
			decisions = append(decisions, DecisionNeedsHumanReview)
		}
	}
	res.Decision = p.policy.Fold(decisions)

	switch res.Decision {
	case DecisionAutoMerged:
		if ext == nil {
			res.Decision = DecisionNeedsHumanReview
			res.Reason = "unsupported language"
			break
		}
		res.Content = Combine(ext, versions, res.Changes, prefer)
	case DecisionAIMerged:
		p.resolveWithAI(ctx, &res, baseline, versions)
	case DecisionNeedsHumanReview:
		res.Reason = humanReason(res.Conflicts)
	}

	logger.Info("file resolved",
		"decision", string(res.Decision),
		"conflicts", len(res.Conflicts),
		"policy", p.policy.Name(),
	)
	return res
}

func (p *Pipeline) resolveWithAI(ctx context.Context, res *FileResolution, baseline string, versions []FileVersion) {
	if p.ai == nil {
		res.Decision = DecisionNeedsHumanReview
		res.Reason = "AI resolution required but no resolver is configured"
		return
	}
	req := AIRequest{File: res.File, Baseline: baseline, Versions: versions, Conflicts: res.Conflicts}
	if tokens := req.EstimateTokens(); tokens > p.maxTokens {
		res.Decision = DecisionNeedsHumanReview
		res.Reason = fmt.Sprintf("context of ~%d tokens exceeds budget of %d", tokens, p.maxTokens)
		return
	}

	resp, err := p.ai.ResolveConflict(ctx, req)
	if err != nil {
		res.Decision = DecisionFailed
		res.Reason = fmt.Sprintf("AI resolver: %v", err)
		return
	}
	merged, ok := ExtractCodeBlock(resp)
	if !ok {
		res.Decision = DecisionNeedsHumanReview
		res.Reason = "AI response contained no code block"
		return
	}
	res.Content = merged
}

func humanReason(conflicts []Conflict) string {
	var locs []string
	for _, c := range conflicts {
		if c.MergeStrategy == StrategyHumanRequired && !slices.Contains(locs, c.Location) {
			locs = append(locs, c.Location)
		}
	}
	return "human review required for " + strings.Join(locs, ", ")
}

func allEqual(versions []FileVersion) bool {
	for _, v := range versions[1:] {
		if v.Deleted != versions[0].Deleted || v.Content != versions[0].Content {
			return false
		}
	}
	return true
}

// deletionConflict reports a task that removed the file while another kept
// editing it. Neither side can be combined into the other.
func deletionConflict(file string, versions []FileVersion) (Conflict, bool) {
	var deleter, editor string
	for _, v := range versions {
		switch {
		case v.Deleted && deleter == "":
			deleter = v.TaskID
		case !v.Deleted && editor == "":
			editor = v.TaskID
		}
	}
	if deleter == "" || editor == "" {
		return Conflict{}, false
	}
	return Conflict{
		File:          file,
		Location:      "file:" + file,
		TasksInvolved: [2]string{deleter, editor},
		Severity:      SeverityCritical,
		MergeStrategy: StrategyHumanRequired,
	}, true
}

// topLevelConflicts flags later versions that changed text outside the
// extracted elements, which Combine would otherwise drop.
func topLevelConflicts(ext Extractor, file, baseline string, versions []FileVersion) []Conflict {
	base := residual(ext, baseline)
	first := residual(ext, versions[0].Content)
	var out []Conflict
	for _, v := range versions[1:] {
		r := residual(ext, v.Content)
		if r == base || r == first {
			continue
		}
		out = append(out, Conflict{
			File:          file,
			Location:      "toplevel:" + file,
			TasksInvolved: [2]string{versions[0].TaskID, v.TaskID},
			Severity:      SeverityHigh,
			MergeStrategy: StrategyAIRequired,
		})
	}
	return out
}

// FileInput is one file to resolve in a wave.
type FileInput struct {
	Path     string
	Baseline string
	Versions []FileVersion
}

// ResolveWave resolves every file and publishes merge events for the wave.
// Results are ordered by path.
func (p *Pipeline) ResolveWave(ctx context.Context, buildID string, waveIndex int, files []FileInput) []FileResolution {
	files = slices.Clone(files)
	slices.SortFunc(files, func(a, b FileInput) int { return strings.Compare(a.Path, b.Path) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	p.events.Publish(event.NewMergeStartedEvent(buildID, waveIndex, paths))

	out := make([]FileResolution, 0, len(files))
	decisions := make(map[string]string, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			r := FileResolution{File: f.Path, Decision: DecisionFailed, Reason: ctx.Err().Error()}
			out = append(out, r)
			decisions[f.Path] = string(r.Decision)
			continue
		}
		r := p.ResolveFile(ctx, f.Path, f.Baseline, f.Versions)
		out = append(out, r)
		decisions[f.Path] = string(r.Decision)
	}

	p.events.Publish(event.NewMergeCompletedEvent(buildID, waveIndex, decisions))
	return out
}
