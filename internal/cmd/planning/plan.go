// Package planning provides CLI commands for inspecting and installing build
// plans.
package planning

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/buildpilot/internal/plan"
)

// StateDirFunc resolves the state directory plans are stored under.
type StateDirFunc func() (string, error)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate, install and show build plans",
	Long: `A plan lists a build's subtasks and, optionally, the waves of subtasks
that may run in parallel. Without explicit waves, waves are derived from the
subtasks' depends_on lists. Plans are stored as <state_dir>/plans/<id>.yaml.`,
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan file",
	Long: `Validate a YAML or JSON plan file.

This command checks:
  - Well formed YAML or JSON
  - Unique, non-empty subtask ids
  - Wave and dependency references naming known subtasks
  - Dependency cycles

The exit code indicates the result:
  0 - Plan is valid
  1 - Plan has validation errors or could not be read`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var importCmd = &cobra.Command{
	Use:   "import <plan-file>",
	Short: "Validate a plan file and install it for building",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var showCmd = &cobra.Command{
	Use:   "show <build-id>",
	Short: "Show an installed plan and its waves",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var (
	validateJSON bool
	stateDir     StateDirFunc
)

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output validation result as JSON")
	planCmd.AddCommand(validateCmd)
	planCmd.AddCommand(importCmd)
	planCmd.AddCommand(showCmd)
}

// Register adds the plan commands to the given parent command. dir resolves
// the state directory for import and show.
func Register(parent *cobra.Command, dir StateDirFunc) {
	stateDir = dir
	parent.AddCommand(planCmd)
}

// ValidationOutput represents the JSON output format for validation results.
type ValidationOutput struct {
	Valid    bool       `json:"valid"`
	FilePath string     `json:"file_path"`
	ID       string     `json:"id,omitempty"`
	Subtasks int        `json:"subtasks,omitempty"`
	Waves    [][]string `json:"waves,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func readPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return plan.Parse(data, filepath.Ext(path))
}

// validatePlan reads and validates path. The error is non-nil when the plan
// is invalid.
func validatePlan(path string) (ValidationOutput, error) {
	out := ValidationOutput{FilePath: path}
	p, err := readPlan(path)
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	out.Valid = true
	out.ID = p.ID
	out.Subtasks = len(p.Subtasks)
	for _, w := range p.ExecutionWaves() {
		ids := make([]string, 0, len(w.Tasks))
		for _, t := range w.Tasks {
			ids = append(ids, t.ID)
		}
		out.Waves = append(out.Waves, ids)
	}
	return out, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	result, err := validatePlan(args[0])
	out := cmd.OutOrStdout()
	if validateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		return err
	}
	printValid(out, result)
	return nil
}

func printValid(w io.Writer, r ValidationOutput) {
	fmt.Fprintf(w, "Plan %s is valid: %d subtasks in %d waves\n", r.ID, r.Subtasks, len(r.Waves))
	for i, wave := range r.Waves {
		fmt.Fprintf(w, "  wave %d: %v\n", i, wave)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	p, err := readPlan(args[0])
	if err != nil {
		return err
	}
	dir, err := stateDir()
	if err != nil {
		return err
	}
	if err := plan.Save(dir, p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed plan %s at %s\nStart it with: buildpilot build %s\n",
		p.ID, plan.Path(dir, p.ID), p.ID)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}
	p, err := plan.Load(dir, args[0])
	if err != nil {
		return err
	}
	text, err := plan.Format(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}
