package vcs

import (
	"context"
	"fmt"
	"sync"
)

// Op is one recorded version-control operation
type Op struct {
	Name string
	Args []string
}

// Memory is an in-memory VersionControl used by tests. It records every
// operation and can be told to fail specific ones.
type Memory struct {
	mu       sync.Mutex
	ops      []Op
	current  string
	branches map[string]string // branch name -> head SHA
	seq      int

	// FailOn maps an operation name ("merge", "push", ...) to the error it
	// should return. Zero value means every operation succeeds.
	FailOn map[string]error
}

// NewMemory creates an in-memory repository with a main branch
func NewMemory() *Memory {
	return &Memory{
		current:  "main",
		branches: map[string]string{"main": "sha-0"},
	}
}

func (m *Memory) record(name string, args ...string) error {
	m.ops = append(m.ops, Op{Name: name, Args: args})
	if err, ok := m.FailOn[name]; ok {
		return err
	}
	return nil
}

func (m *Memory) nextSHA() string {
	m.seq++
	return fmt.Sprintf("sha-%d", m.seq)
}

// CreateBranch creates and checks out a branch
func (m *Memory) CreateBranch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create-branch", name); err != nil {
		return err
	}
	if _, ok := m.branches[name]; !ok {
		m.branches[name] = m.branches[m.current]
	}
	m.current = name
	return nil
}

// Checkout switches to a branch
func (m *Memory) Checkout(ctx context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("checkout", branch); err != nil {
		return err
	}
	if _, ok := m.branches[branch]; !ok {
		m.branches[branch] = m.branches[m.current]
	}
	m.current = branch
	return nil
}

// Pull records a pull of the branch
func (m *Memory) Pull(ctx context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("pull", branch)
}

// Merge merges a branch into the current branch
func (m *Memory) Merge(ctx context.Context, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("merge", branch, "into", m.current); err != nil {
		return err
	}
	m.branches[m.current] = m.nextSHA()
	return nil
}

// Commit records a commit on the current branch
func (m *Memory) Commit(ctx context.Context, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("commit", message); err != nil {
		return "", err
	}
	sha := m.nextSHA()
	m.branches[m.current] = sha
	return sha, nil
}

// Push records a push of the branch
func (m *Memory) Push(ctx context.Context, branch string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := "push"
	if force {
		name = "force-push"
	}
	return m.record(name, branch)
}

// ResetHard resets the current branch to a ref
func (m *Memory) ResetHard(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("reset-hard", ref); err != nil {
		return err
	}
	m.branches[m.current] = ref
	return nil
}

// RevParse resolves a branch name to its head SHA
func (m *Memory) RevParse(ctx context.Context, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("rev-parse", ref); err != nil {
		return "", err
	}
	if sha, ok := m.branches[ref]; ok {
		return sha, nil
	}
	return m.branches[m.current], nil
}

// Ops returns a copy of all recorded operations
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// CountOps returns how many operations with the given name were recorded
func (m *Memory) CountOps(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if op.Name == name {
			n++
		}
	}
	return n
}

// MergedInto reports whether branch was ever merged into target
func (m *Memory) MergedInto(branch, target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.Name == "merge" && len(op.Args) == 3 && op.Args[0] == branch && op.Args[2] == target {
			return true
		}
	}
	return false
}

// CurrentBranch returns the branch the working copy is on
func (m *Memory) CurrentBranch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
