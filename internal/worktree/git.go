// Package worktree manages the git worktrees a build runs in.
//
// The build gets one worktree on its own branch; each task of a parallel wave
// gets a further worktree branched from the build branch. Mutating operations
// go through the git CLI behind a CommandExecutor so they can be replaced in
// tests. Read-only repository access (discovery, current branch, file
// contents at a revision) uses go-git.
package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/Iron-Ham/buildpilot/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
// This allows tests to mock git commands without executing them.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// -----------------------------------------------------------------------------
// Repository access
// -----------------------------------------------------------------------------

// FindGitRoot returns the top-level directory of the repository containing
// startDir. Linked worktrees resolve to their own root.
func FindGitRoot(startDir string) (string, error) {
	repo, err := openRepo(startDir)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("repository at %s has no worktree: %w", startDir, err)
	}
	return filepath.Clean(wt.Filesystem.Root()), nil
}

func openRepo(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errors.NewNotFoundError("git repository", dir).WithCause(err)
		}
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return repo, nil
}

// currentBranch returns the short name of the branch checked out in dir.
func currentBranch(dir string) (string, error) {
	repo, err := openRepo(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD in %s: %w", dir, err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD in %s is detached at %s", dir, head.Hash().String()[:7])
	}
	return head.Name().Short(), nil
}

// fileAt returns the contents of file at revision rev. ok is false when the
// file does not exist at that revision.
func fileAt(dir, rev, file string) (content string, ok bool, err error) {
	repo, err := openRepo(dir)
	if err != nil {
		return "", false, err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return "", false, fmt.Errorf("load commit %s: %w", rev, err)
	}
	f, err := commit.File(filepath.ToSlash(file))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s at %s: %w", file, rev, err)
	}
	content, err = f.Contents()
	if err != nil {
		return "", false, fmt.Errorf("read %s at %s: %w", file, rev, err)
	}
	return content, true, nil
}

// splitLines returns the non-empty trimmed lines of output.
func splitLines(output []byte) []string {
	var out []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
