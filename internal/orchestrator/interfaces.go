// Package orchestrator drives a build through its lifecycle: it creates the
// persisted build state, prepares an isolated worktree, loads the plan, runs
// the subtasks through the retry loop (in waves when the plan allows),
// verifies and merges the result, and always writes a report.
package orchestrator

// Worktrees defines the git operations the orchestrator needs. It is
// implemented by *worktree.Manager; tests supply a fake.
type Worktrees interface {
	// RepoDir returns the repository's root directory.
	RepoDir() string

	// CurrentBranch returns the branch checked out in the repository root.
	CurrentBranch() (string, error)

	// Create creates a worktree at path on a new branch started from base.
	Create(path, branch, base string) error

	// Attach creates a worktree at path for an existing branch.
	Attach(path, branch string) error

	// Remove removes the worktree at path.
	Remove(path string) error

	// DeleteBranch force-deletes a branch.
	DeleteBranch(branch string) error

	// CommitAll commits every change in the worktree. A clean worktree is
	// not an error.
	CommitAll(path, message string) error

	// ChangedFiles lists files changed on the worktree's branch since base.
	ChangedFiles(path, base string) ([]string, error)

	// Merge merges branch into target, which must be checked out at path.
	// Conflicts abort the merge and return a *worktree.MergeConflictError.
	Merge(path, branch, target string) error

	// ReadBaseline returns file as of revision rev.
	ReadBaseline(rev, file string) (content string, ok bool, err error)

	// ReadFile reads file from the working tree at dir.
	ReadFile(dir, file string) (content string, ok bool, err error)

	// WriteFile writes file into the working tree at dir.
	WriteFile(dir, file, content string) error

	// CopyFile copies file from src to dst, deleting it from dst when it
	// does not exist in src.
	CopyFile(src, dst, file string) error
}
