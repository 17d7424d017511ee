package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/buildpilot/internal/errors"
	"github.com/Iron-Ham/buildpilot/internal/logging"
)

// Manager handles git worktree operations
type Manager struct {
	repoDir  string
	executor CommandExecutor
	logger   *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor replaces the git command executor.
func WithExecutor(e CommandExecutor) Option {
	return func(m *Manager) {
		if e != nil {
			m.executor = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager for the repository containing repoDir.
func New(repoDir string, opts ...Option) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s: %w", repoDir, err)
	}
	m := &Manager{
		repoDir:  gitRoot,
		executor: NewCLICommandExecutor(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RepoDir returns the repository's root directory.
func (m *Manager) RepoDir() string { return m.repoDir }

func (m *Manager) git(dir string, args ...string) ([]byte, error) {
	output, err := m.executor.Run(dir, "git", args...)
	if err != nil {
		return output, fmt.Errorf("git %s: %w\n%s", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// CurrentBranch returns the branch checked out in the repository root.
func (m *Manager) CurrentBranch() (string, error) {
	return currentBranch(m.repoDir)
}

// Create creates a worktree at path on a new branch started from base. An
// empty base starts from HEAD.
func (m *Manager) Create(path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, err := m.git(m.repoDir, args...); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	m.logger.Debug("worktree created", "path", path, "branch", branch, "base", base)
	return nil
}

// Attach creates a worktree at path for an existing branch.
func (m *Manager) Attach(path, branch string) error {
	if _, err := m.git(m.repoDir, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("failed to attach worktree: %w", err)
	}
	m.logger.Debug("worktree attached", "path", path, "branch", branch)
	return nil
}

// Remove removes the worktree at path. When git refuses, the directory is
// deleted and stale worktree references are pruned.
func (m *Manager) Remove(path string) error {
	if _, err := m.git(m.repoDir, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.executor.Run(m.repoDir, "git", "worktree", "prune")
		return fmt.Errorf("failed to remove worktree cleanly: %w", err)
	}
	m.logger.Debug("worktree removed", "path", path)
	return nil
}

// DeleteBranch force-deletes branch.
func (m *Manager) DeleteBranch(branch string) error {
	if _, err := m.git(m.repoDir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	return nil
}

// List returns the paths of all worktrees.
func (m *Manager) List() ([]string, error) {
	output, err := m.git(m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	var worktrees []string
	for _, line := range splitLines(output) {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees, nil
}

// CommitAll stages and commits every change in the worktree at path. A clean
// worktree is not an error.
func (m *Manager) CommitAll(path, message string) error {
	if _, err := m.git(path, "add", "-A"); err != nil {
		return fmt.Errorf("failed to add changes: %w", err)
	}
	output, err := m.executor.Run(path, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("failed to commit: %w\n%s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ChangedFiles lists the files changed on the branch at path since it forked
// from base.
func (m *Manager) ChangedFiles(path, base string) ([]string, error) {
	output, err := m.git(path, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get changed files: %w", err)
	}
	return splitLines(output), nil
}

// MergeConflictError reports a merge that stopped on conflicts. The merge is
// aborted before the error is returned.
type MergeConflictError struct {
	Branch string
	Target string
	Files  []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s into %s conflicts in %s", e.Branch, e.Target, strings.Join(e.Files, ", "))
}

// Is makes merge conflicts match ErrNeedsHumanReview.
func (e *MergeConflictError) Is(target error) bool {
	return target == errors.ErrNeedsHumanReview
}

// Merge merges branch into target. target must be checked out at path.
func (m *Manager) Merge(path, branch, target string) error {
	current, err := currentBranch(path)
	if err != nil {
		return err
	}
	if current != target {
		return errors.NewValidationError("merge target is not checked out").
			WithField("target").
			WithValue(fmt.Sprintf("%s (checked out: %s)", target, current))
	}

	output, err := m.executor.Run(path, "git", "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		m.logger.Info("branch merged", "branch", branch, "target", target)
		return nil
	}
	if !strings.Contains(string(output), "CONFLICT") {
		return fmt.Errorf("failed to merge %s: %w\n%s", branch, err, strings.TrimSpace(string(output)))
	}

	files, _ := m.conflictingFiles(path)
	if _, abortErr := m.git(path, "merge", "--abort"); abortErr != nil {
		m.logger.Warn("failed to abort merge", "error", abortErr)
	}
	return &MergeConflictError{Branch: branch, Target: target, Files: files}
}

func (m *Manager) conflictingFiles(path string) ([]string, error) {
	output, err := m.git(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to get conflicting files: %w", err)
	}
	return splitLines(output), nil
}

// ReadBaseline returns file as committed at rev. ok is false when the file
// does not exist there.
func (m *Manager) ReadBaseline(rev, file string) (content string, ok bool, err error) {
	return fileAt(m.repoDir, rev, file)
}

// ReadFile returns file from the worktree at dir. ok is false when the file
// does not exist.
func (m *Manager) ReadFile(dir, file string) (content string, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(file)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", file, err)
	}
	return string(data), true, nil
}

// WriteFile writes content to file in the worktree at dir, creating parent
// directories.
func (m *Manager) WriteFile(dir, file, content string) error {
	path := filepath.Join(dir, filepath.FromSlash(file))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", file, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// CopyFile makes file in dst match src. A file missing from src is removed
// from dst.
func (m *Manager) CopyFile(src, dst, file string) error {
	content, ok, err := m.ReadFile(src, file)
	if err != nil {
		return err
	}
	if !ok {
		if err := os.Remove(filepath.Join(dst, filepath.FromSlash(file))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", file, err)
		}
		return nil
	}
	return m.WriteFile(dst, file, content)
}
