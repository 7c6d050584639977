// Package git provides a thin wrapper for running git commands in a
// local repository directory.
package git

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.cidx.org/server/go/exec"
	"go.cidx.org/server/go/skerr"
)

// Branch describes a Git branch.
type Branch struct {
	// The human-readable name of the branch.
	Name string

	// The commit hash pointed to by this branch.
	Head string
}

// GitDir is a directory in which one may run Git commands.
type GitDir string

// Dir returns the working directory of the GitDir.
func (g GitDir) Dir() string {
	return string(g)
}

// Git runs the given git command in the GitDir and returns its combined
// stdout and stderr.
func (g GitDir) Git(ctx context.Context, cmd ...string) (string, error) {
	return exec.RunCwd(ctx, string(g), append([]string{"git"}, cmd...)...)
}

// GitWithTimeout is like Git but bounds the command with the given timeout.
func (g GitDir) GitWithTimeout(ctx context.Context, timeout time.Duration, cmd ...string) (string, error) {
	return exec.RunCommand(ctx, &exec.Command{
		Name:    "git",
		Args:    cmd,
		Dir:     string(g),
		Timeout: timeout,
	})
}

// GitWithEnv is like GitWithTimeout but also sets extra environment
// variables on the git process.
func (g GitDir) GitWithEnv(ctx context.Context, env []string, timeout time.Duration, cmd ...string) (string, error) {
	return exec.RunCommand(ctx, &exec.Command{
		Name:       "git",
		Args:       cmd,
		Dir:        string(g),
		Env:        env,
		InheritEnv: true,
		Timeout:    timeout,
	})
}

// RevParse runs "git rev-parse <args>" and returns the result.
func (g GitDir) RevParse(ctx context.Context, args ...string) (string, error) {
	out, err := g.Git(ctx, append([]string{"rev-parse"}, args...)...)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	// Ensure that we got a single, 40-character commit hash.
	split := strings.Fields(out)
	if len(split) != 1 {
		return "", skerr.Fmt("Unable to parse commit hash from output: %s", out)
	}
	if len(split[0]) != 40 {
		return "", skerr.Fmt("rev-parse returned invalid commit hash: %s", out)
	}
	return split[0], nil
}

// GetBranchHead returns the commit hash at the HEAD of the given branch.
func (g GitDir) GetBranchHead(ctx context.Context, branchName string) (string, error) {
	return g.RevParse(ctx, "--verify", fmt.Sprintf("refs/heads/%s^{commit}", branchName))
}

// CurrentBranch returns the name of the currently checked-out branch.
func (g GitDir) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.Git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return strings.TrimSpace(out), nil
}

// Branches runs "git branch" and returns a slice of Branch instances.
func (g GitDir) Branches(ctx context.Context) ([]*Branch, error) {
	out, err := g.Git(ctx, "branch")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	branchNames := strings.Fields(out)
	branches := make([]*Branch, 0, len(branchNames))
	for _, name := range branchNames {
		if name == "*" {
			continue
		}
		head, err := g.GetBranchHead(ctx, name)
		if err != nil {
			return nil, skerr.Wrapf(err, "Failed to get head of %s", name)
		}
		branches = append(branches, &Branch{
			Head: head,
			Name: name,
		})
	}
	return branches, nil
}

// HasLocalRef returns true if "git show-ref" finds the given ref name
// anywhere in the repository.
func (g GitDir) HasLocalRef(ctx context.Context, name string) bool {
	_, err := g.Git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true
	}
	_, err = g.Git(ctx, "show-ref", name)
	return err == nil
}

// HasRemoteRef returns true if refs/remotes/<remote>/<branch> exists
// locally.
func (g GitDir) HasRemoteRef(ctx context.Context, remote, branch string) bool {
	_, err := g.Git(ctx, "show-ref", "--verify", "--quiet", fmt.Sprintf("refs/remotes/%s/%s", remote, branch))
	return err == nil
}

// Remotes returns the configured remotes as a map of name to fetch URL.
func (g GitDir) Remotes(ctx context.Context) (map[string]string, error) {
	out, err := g.Git(ctx, "remote", "-v")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if len(fields) == 3 && fields[2] != "(fetch)" {
			continue
		}
		rv[fields[0]] = fields[1]
	}
	return rv, nil
}

// RemoteURL returns the URL of the given remote, or an error if the
// remote does not exist.
func (g GitDir) RemoteURL(ctx context.Context, name string) (string, error) {
	out, err := g.Git(ctx, "remote", "get-url", name)
	if err != nil {
		return "", skerr.Wrapf(err, "No URL for remote %q", name)
	}
	return strings.TrimSpace(out), nil
}

// NumCommits returns the number of commits in the repo.
func (g GitDir) NumCommits(ctx context.Context) (int64, error) {
	out, err := g.Git(ctx, "rev-list", "--all", "--count")
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	var n int64
	_, err = fmt.Sscanf(strings.TrimSpace(out), "%d", &n)
	return n, skerr.Wrap(err)
}

// IsLocalURL returns true if the given remote URL refers to the local
// filesystem, ie. an absolute path or a file:// URL.
func IsLocalURL(u string) bool {
	return strings.HasPrefix(u, "/") || strings.HasPrefix(u, "file://")
}

// IsRemoteURL returns true if the given URL uses a transport which can
// actually reach a remote host: http(s), ssh, git, or scp-like syntax.
func IsRemoteURL(u string) bool {
	for _, prefix := range []string{"http://", "https://", "ssh://", "git://"} {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	// scp-like syntax, eg. git@github.com:org/repo.git.
	if !IsLocalURL(u) && strings.Contains(u, "@") && strings.Contains(u, ":") {
		return true
	}
	return false
}

// NormalizeURL strips everything from the URL except for the host and the
// path. A trailing ".git" is also stripped. The purpose is to allow for small
// variations in repo URL to be recognized as the same repo. The URL needs to
// contain a valid transport protocol, e.g. https, ssh.
// These URLs will all return 'example.com/org/repo':
//
//	"https://example.com/org/repo.git"
//	"ssh://git@example.com/org/repo"
//	"ssh://git@example.com:org/repo.git"
func NormalizeURL(inputURL string) (string, error) {
	parsedURL, err := url.Parse(inputURL)
	if err != nil {
		return "", skerr.Wrapf(err, "Invalid repo URL %q", inputURL)
	}

	// If the scheme is ssh we have to account for the scp-like syntax with a ':'
	host := parsedURL.Host
	if parsedURL.Scheme == "ssh" {
		host = strings.Replace(host, ":", "/", 1)
	}

	// Trim trailing slashes and the ".git" extension.
	path := strings.TrimRight(strings.TrimSuffix(parsedURL.Path, ".git"), "/")
	path = "/" + strings.TrimLeft(path, "/:")
	return host + path, nil
}
