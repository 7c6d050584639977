// Package testutils provides a GitBuilder for creating real git
// repositories with canned content in tests.
package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"

	"go.cidx.org/server/go/exec"
)

// GitBuilder creates commits and branches in a real git repo in a
// temporary directory.
type GitBuilder struct {
	t      *testing.T
	dir    string
	branch string
	gen    int
}

// GitInit creates a new git repo in a temporary directory with an
// initial commit on the "master" branch and returns a GitBuilder for
// it.
func GitInit(t *testing.T) *GitBuilder {
	dir, err := os.MkdirTemp("", "git_builder")
	assert.NoError(t, err)

	g := &GitBuilder{
		t:      t,
		dir:    dir,
		branch: "master",
	}
	g.Git("init", "--initial-branch=master")
	g.Git("config", "user.name", "Test User")
	g.Git("config", "user.email", "test@example.com")
	g.CommitGen("README.md")
	return g
}

// Dir returns the directory of the git repo, e.g. for cloning.
func (g *GitBuilder) Dir() string {
	return g.dir
}

// Cleanup removes the repo directory.
func (g *GitBuilder) Cleanup() {
	_ = os.RemoveAll(g.dir)
}

// Git runs the given git command in the repo and asserts success.
func (g *GitBuilder) Git(cmd ...string) string {
	out, err := exec.RunCwd(context.Background(), g.dir, append([]string{"git"}, cmd...)...)
	assert.NoError(g.t, err, "git %v failed: %s", cmd, out)
	return out
}

// WriteFile writes the given content to the given path in the repo,
// creating parent directories as needed.
func (g *GitBuilder) WriteFile(name, content string) {
	p := filepath.Join(g.dir, name)
	assert.NoError(g.t, os.MkdirAll(filepath.Dir(p), 0755))
	assert.NoError(g.t, os.WriteFile(p, []byte(content), 0644))
}

// Add runs "git add" on the given path.
func (g *GitBuilder) Add(name string) {
	g.Git("add", name)
}

// Commit commits staged changes with the given message and returns the
// new commit hash.
func (g *GitBuilder) Commit(msg string) string {
	g.Git("commit", "-m", msg)
	return g.Head()
}

// CommitGen writes auto-generated content into the given file, commits
// it, and returns the new commit hash.
func (g *GitBuilder) CommitGen(file string) string {
	g.gen++
	g.WriteFile(file, fmt.Sprintf("content %d\n", g.gen))
	g.Add(file)
	return g.Commit(fmt.Sprintf("commit %d", g.gen))
}

// CreateBranch creates and checks out a new branch at HEAD.
func (g *GitBuilder) CreateBranch(name string) {
	g.Git("checkout", "-b", name)
	g.branch = name
}

// CheckoutBranch checks out an existing branch.
func (g *GitBuilder) CheckoutBranch(name string) {
	g.Git("checkout", name)
	g.branch = name
}

// Head returns the commit hash of HEAD.
func (g *GitBuilder) Head() string {
	out := g.Git("rev-parse", "HEAD")
	return out[:40]
}
