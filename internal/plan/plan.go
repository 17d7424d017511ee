// Package plan loads and validates build plans.
//
// A plan lists the subtasks of one build and, optionally, the waves they run
// in. Plans live at <stateDir>/plans/<buildID>.yaml (or .json) and arrive with
// their waves precomputed. When waves are omitted they are derived from
// depends_on edges, or every subtask becomes its own wave.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/executor"
	"github.com/Iron-Ham/buildpilot/internal/orchestrator/verify"
)

// DirName is the directory under the state dir holding plan files.
const DirName = "plans"

// Subtask is one planned unit of work.
type Subtask struct {
	ID           string              `yaml:"id" json:"id"`
	Title        string              `yaml:"title,omitempty" json:"title,omitempty"`
	Description  string              `yaml:"description" json:"description"`
	Files        []string            `yaml:"files,omitempty" json:"files,omitempty"`
	Critical     bool                `yaml:"critical,omitempty" json:"critical,omitempty"`
	DependsOn    []string            `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Verification verify.Verification `yaml:"verification,omitempty" json:"verification,omitempty"`
	Context      map[string]string   `yaml:"context,omitempty" json:"context,omitempty"`
}

// Task converts the subtask into the executor's task.
func (s Subtask) Task() executor.Task {
	return executor.Task{
		ID:           s.ID,
		Title:        s.Title,
		Description:  s.Description,
		Files:        slices.Clone(s.Files),
		Critical:     s.Critical,
		Verification: s.Verification,
		Context:      s.Context,
	}
}

// Plan is the decoded plan file.
type Plan struct {
	ID       string     `yaml:"id" json:"id"`
	Title    string     `yaml:"title,omitempty" json:"title,omitempty"`
	StoryID  string     `yaml:"story_id,omitempty" json:"story_id,omitempty"`
	Subtasks []Subtask  `yaml:"subtasks" json:"subtasks"`
	Waves    [][]string `yaml:"waves,omitempty" json:"waves,omitempty"`
}

// Path returns the yaml plan path for buildID.
func Path(stateDir, buildID string) string {
	return filepath.Join(stateDir, DirName, buildID+".yaml")
}

// Load reads the plan for buildID from <stateDir>/plans, trying .yaml, .yml
// and .json in that order.
func Load(stateDir, buildID string) (*Plan, error) {
	base := filepath.Join(stateDir, DirName, buildID)
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		data, err := os.ReadFile(base + ext)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plan: %w", err)
		}
		p, err := Parse(data, ext)
		if err != nil {
			return nil, err
		}
		if p.ID == "" {
			p.ID = buildID
		}
		return p, nil
	}
	return nil, errors.NewNotFoundError("plan", buildID).WithCause(errors.ErrPlanNotFound)
}

// Parse decodes and validates a plan. ext selects the format; anything other
// than ".json" is treated as YAML.
func Parse(data []byte, ext string) (*Plan, error) {
	var p Plan
	var err error
	if strings.EqualFold(ext, ".json") {
		err = json.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, errors.NewValidationError("plan is not well formed").WithCause(errors.Join(errors.ErrPlanInvalid, err))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes p as YAML to <stateDir>/plans/<p.ID>.yaml.
func Save(stateDir string, p *Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	path := Path(stateDir, p.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// Validate checks that subtask ids are unique and non-empty, that wave and
// dependency references name known subtasks, and that no subtask appears in
// more than one wave. Every problem found is reported.
func (p *Plan) Validate() error {
	var problems []string
	if len(p.Subtasks) == 0 {
		problems = append(problems, "plan has no subtasks")
	}

	known := make(map[string]bool, len(p.Subtasks))
	for i, s := range p.Subtasks {
		switch {
		case strings.TrimSpace(s.ID) == "":
			problems = append(problems, fmt.Sprintf("subtask %d has no id", i))
		case known[s.ID]:
			problems = append(problems, fmt.Sprintf("duplicate subtask id %q", s.ID))
		}
		known[s.ID] = true
	}

	for _, s := range p.Subtasks {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				problems = append(problems, fmt.Sprintf("subtask %q depends on unknown subtask %q", s.ID, dep))
			}
		}
	}

	placed := make(map[string]int)
	for wi, wave := range p.Waves {
		if len(wave) == 0 {
			problems = append(problems, fmt.Sprintf("wave %d is empty", wi))
		}
		for _, id := range wave {
			if !known[id] {
				problems = append(problems, fmt.Sprintf("wave %d references unknown subtask %q", wi, id))
				continue
			}
			if prev, ok := placed[id]; ok {
				problems = append(problems, fmt.Sprintf("subtask %q appears in waves %d and %d", id, prev, wi))
				continue
			}
			placed[id] = wi
		}
	}

	if len(problems) == 0 && len(p.Waves) == 0 && p.hasDependencies() {
		if _, err := executionOrder(p.Subtasks); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return errors.NewValidationError(strings.Join(problems, "; ")).
			WithField("plan").
			WithCause(errors.ErrPlanInvalid)
	}
	return nil
}

func (p *Plan) hasDependencies() bool {
	for _, s := range p.Subtasks {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// Subtask returns the subtask with id.
func (p *Plan) Subtask(id string) (Subtask, bool) {
	for _, s := range p.Subtasks {
		if s.ID == id {
			return s, true
		}
	}
	return Subtask{}, false
}

// Order returns the subtask ids in execution order: wave by wave, and within
// a wave in the order listed. Subtasks not placed in any wave run last, one
// per wave, in plan order.
func (p *Plan) Order() []string {
	var ids []string
	for _, w := range p.groups() {
		ids = append(ids, w...)
	}
	return ids
}

// IsParallel reports whether any wave holds more than one subtask.
func (p *Plan) IsParallel() bool {
	for _, w := range p.groups() {
		if len(w) > 1 {
			return true
		}
	}
	return false
}

// ExecutionWaves materialises the executor waves.
func (p *Plan) ExecutionWaves() []executor.Wave {
	groups := p.groups()
	waves := make([]executor.Wave, 0, len(groups))
	for i, g := range groups {
		w := executor.Wave{Index: i}
		for _, id := range g {
			s, _ := p.Subtask(id)
			w.Tasks = append(w.Tasks, s.Task())
		}
		waves = append(waves, w)
	}
	return waves
}

func (p *Plan) groups() [][]string {
	switch {
	case len(p.Waves) > 0:
		groups := make([][]string, 0, len(p.Waves))
		placed := make(map[string]bool)
		for _, w := range p.Waves {
			groups = append(groups, slices.Clone(w))
			for _, id := range w {
				placed[id] = true
			}
		}
		for _, s := range p.Subtasks {
			if !placed[s.ID] {
				groups = append(groups, []string{s.ID})
			}
		}
		return groups
	case p.hasDependencies():
		groups, err := executionOrder(p.Subtasks)
		if err == nil {
			return groups
		}
	}
	groups := make([][]string, 0, len(p.Subtasks))
	for _, s := range p.Subtasks {
		groups = append(groups, []string{s.ID})
	}
	return groups
}

// executionOrder groups subtasks into waves by repeatedly taking every
// subtask whose dependencies are already placed.
func executionOrder(subtasks []Subtask) ([][]string, error) {
	inDegree := make(map[string]int, len(subtasks))
	for _, s := range subtasks {
		inDegree[s.ID] = len(s.DependsOn)
	}

	var groups [][]string
	completed := make(map[string]bool, len(subtasks))
	for len(completed) < len(subtasks) {
		var current []string
		for _, s := range subtasks {
			if !completed[s.ID] && inDegree[s.ID] == 0 {
				current = append(current, s.ID)
			}
		}
		if len(current) == 0 {
			var stuck []string
			for _, s := range subtasks {
				if !completed[s.ID] {
					stuck = append(stuck, s.ID)
				}
			}
			return nil, fmt.Errorf("dependency cycle among subtasks %s", strings.Join(stuck, ", "))
		}
		groups = append(groups, current)

		for _, id := range current {
			completed[id] = true
		}
		for _, s := range subtasks {
			for _, dep := range s.DependsOn {
				if slices.Contains(current, dep) {
					inDegree[s.ID]--
				}
			}
		}
	}
	return groups, nil
}
