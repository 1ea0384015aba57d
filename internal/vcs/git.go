package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// GitCLI runs git against a working copy on disk. A single mutex serializes
// all operations: two pipelines checking out different branches in the same
// working copy would corrupt each other's view.
type GitCLI struct {
	dir string
	mu  sync.Mutex
}

// NewGitCLI creates a GitCLI operating on the repository at dir
func NewGitCLI(dir string) *GitCLI {
	return &GitCLI{dir: dir}
}

// run executes one git command in the working copy and returns stdout
func (g *GitCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CreateBranch creates and checks out a branch, or checks it out if it exists
func (g *GitCLI) CreateBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "checkout", "-b", name); err != nil {
		// Branch may already exist from a previous attempt
		if _, err2 := g.run(ctx, "checkout", name); err2 != nil {
			return fmt.Errorf("failed to create branch %s: %w", name, err)
		}
	}
	return nil
}

// Checkout switches to an existing branch
func (g *GitCLI) Checkout(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.run(ctx, "checkout", branch)
	return err
}

// Pull fast-forwards the given branch from origin
func (g *GitCLI) Pull(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return err
	}
	_, err := g.run(ctx, "pull", "origin", branch)
	return err
}

// Merge merges the named branch into the current branch without an editor
func (g *GitCLI) Merge(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.run(ctx, "merge", branch, "--no-edit")
	return err
}

// Commit stages everything and commits, returning the new commit SHA
func (g *GitCLI) Commit(ctx context.Context, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "add", "."); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// Push pushes a branch to origin
func (g *GitCLI) Push(ctx context.Context, branch string, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	args := []string{"push", "origin", branch}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(ctx, args...)
	return err
}

// ResetHard resets the current branch to a ref
func (g *GitCLI) ResetHard(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

// RevParse resolves a ref to a commit SHA
func (g *GitCLI) RevParse(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.run(ctx, "rev-parse", ref)
}
