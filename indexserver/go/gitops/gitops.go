// Package gitops exposes git operations on activated repositories:
// inspection, staging and commit, remote interaction, recovery, and
// branch management. Destructive operations are gated by single-use
// confirmation tokens.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.cidx.org/server/go/exec"
	"go.cidx.org/server/indexserver/go/activatedrepo"
	"go.cidx.org/server/indexserver/go/apierr"
)

const (
	// LOCAL_TIMEOUT bounds operations that never leave the machine;
	// REMOTE_TIMEOUT bounds push, pull, and fetch.
	LOCAL_TIMEOUT  = 30 * time.Second
	REMOTE_TIMEOUT = 300 * time.Second

	// STDERR_EXCERPT_LEN caps the stderr excerpt carried in errors.
	STDERR_EXCERPT_LEN = 2048
)

var exitStatusRegexp = regexp.MustCompile(`exit status (\d+)`)

// GitError is the typed failure of a git invocation. It carries enough
// context to diagnose the failure without access to the server logs.
type GitError struct {
	Args     []string `json:"args"`
	Dir      string   `json:"dir"`
	ExitCode int      `json:"exit_code"`
	Stderr   string   `json:"stderr"`
	wrapped  error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s in %s failed (exit %d): %s", strings.Join(e.Args, " "), e.Dir, e.ExitCode, e.Stderr)
}

func (e *GitError) Unwrap() error {
	return e.wrapped
}

// RemoteUnreachable reports whether the stderr indicates the remote
// could not be reached, as opposed to git rejecting the operation.
func (e *GitError) RemoteUnreachable() bool {
	for _, marker := range []string{
		"Could not resolve host",
		"unable to access",
		"Connection refused",
		"Connection timed out",
		"Could not read from remote repository",
	} {
		if strings.Contains(e.Stderr, marker) {
			return true
		}
	}
	return false
}

// Config carries the service identity used as the committer on
// dual-attribution commits.
type Config struct {
	CommitterName  string
	CommitterEmail string
}

// Service runs git operations against activated repositories.
type Service struct {
	activated *activatedrepo.Manager
	cfg       Config
	tokens    *tokenStore
}

// New returns a Service operating on the given activated repositories.
func New(activated *activatedrepo.Manager, cfg Config) *Service {
	if cfg.CommitterName == "" {
		cfg.CommitterName = "CIDX Server"
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = "cidx-server@localhost"
	}
	return &Service{
		activated: activated,
		cfg:       cfg,
		tokens:    newTokenStore(),
	}
}

// repoDir resolves the working tree for the user's activated repo and
// refreshes its last-accessed time.
func (s *Service) repoDir(username, alias string) (string, error) {
	if _, err := s.activated.Get(username, alias); err != nil {
		return "", err
	}
	s.activated.Touch(username, alias)
	return s.activated.RepoDir(username, alias), nil
}

// runGit invokes git in dir with separate stdout/stderr capture.
// Failures come back as *GitError wrapped in an apierr.
func runGit(ctx context.Context, dir string, timeout time.Duration, env []string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := &exec.Command{
		Name:        "git",
		Args:        args,
		Dir:         dir,
		Env:         env,
		InheritEnv:  true,
		Stdout:      &stdout,
		Stderr:      &stderr,
		Timeout:     timeout,
		LogStderr:   true,
		LogStdout:   false,
		InheritPath: true,
	}
	if err := exec.Run(ctx, cmd); err != nil {
		gitErr := &GitError{
			Args:     args,
			Dir:      dir,
			ExitCode: exitCode(err),
			Stderr:   excerpt(stderr.String()),
			wrapped:  err,
		}
		return stdout.String(), apierr.Wrap(gitErr, apierr.GitOperation, "git %s failed.", args[0])
	}
	return stdout.String(), nil
}

// exitCode extracts the process exit status from the error string; -1
// means the process did not exit normally (timeout, kill, spawn
// failure).
func exitCode(err error) int {
	m := exitStatusRegexp.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return -1
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return -1
	}
	return code
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > STDERR_EXCERPT_LEN {
		return s[:STDERR_EXCERPT_LEN]
	}
	return s
}
