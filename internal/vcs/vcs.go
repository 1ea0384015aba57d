// Package vcs wraps the source-control operations the fixer and deployer
// need behind a narrow interface, so the pipeline can be tested against an
// in-memory implementation without a real repository.
package vcs

import "context"

// VersionControl is the capability surface the agent uses. Implementations
// operate on a single shared working copy and must serialize checkouts.
type VersionControl interface {
	// CreateBranch creates the branch from the current HEAD and checks it
	// out. If the branch already exists it is checked out instead.
	CreateBranch(ctx context.Context, name string) error

	// Checkout switches the working copy to an existing branch.
	Checkout(ctx context.Context, branch string) error

	// Pull fast-forwards the given branch from the remote.
	Pull(ctx context.Context, branch string) error

	// Merge merges the named branch into the currently checked-out branch.
	Merge(ctx context.Context, branch string) error

	// Commit stages all changes and commits them, returning the commit SHA.
	Commit(ctx context.Context, message string) (string, error)

	// Push pushes the branch to the remote. Force is used only by rollback.
	Push(ctx context.Context, branch string, force bool) error

	// ResetHard resets the current branch to the given ref, discarding
	// everything after it.
	ResetHard(ctx context.Context, ref string) error

	// RevParse resolves a ref to a commit SHA.
	RevParse(ctx context.Context, ref string) (string, error)
}
