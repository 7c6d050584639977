package gitops

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.cidx.org/server/indexserver/go/activatedrepo"
)

// conflictRegexp matches git's merge-conflict report lines.
var conflictRegexp = regexp.MustCompile(`CONFLICT .*Merge conflict in (.+)`)

// migrate runs the just-in-time dual-remote migration before any
// operation that touches remotes.
func (s *Service) migrate(ctx context.Context, username, alias string) error {
	_, err := s.activated.MigrateRemotes(ctx, username, alias)
	return err
}

// Push pushes the given branch (or the current one) to origin.
func (s *Service) Push(ctx context.Context, username, alias, branch string) (string, error) {
	if err := s.migrate(ctx, username, alias); err != nil {
		return "", err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return "", err
	}
	args := []string{"push", activatedrepo.UPSTREAM_REMOTE}
	if branch != "" {
		if err := activatedrepo.ValidateBranch(branch); err != nil {
			return "", err
		}
		args = append(args, branch)
	} else {
		args = append(args, "HEAD")
	}
	return runGit(ctx, dir, REMOTE_TIMEOUT, nil, args...)
}

// PullResult reports the outcome of a pull. Success is false when the
// merge produced conflicts; the repository is left mid-merge for the
// user to resolve.
type PullResult struct {
	Success   bool     `json:"success"`
	Conflicts []string `json:"conflicts"`
	Output    string   `json:"output"`
}

// Pull pulls the given branch (or the current one) from origin,
// parsing any merge conflicts out of the output.
func (s *Service) Pull(ctx context.Context, username, alias, branch string) (*PullResult, error) {
	if err := s.migrate(ctx, username, alias); err != nil {
		return nil, err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	args := []string{"pull", activatedrepo.UPSTREAM_REMOTE}
	if branch != "" {
		if err := activatedrepo.ValidateBranch(branch); err != nil {
			return nil, err
		}
		args = append(args, branch)
	}
	out, runErr := runGit(ctx, dir, REMOTE_TIMEOUT, nil, args...)
	conflicts := parseConflicts(out)
	if runErr != nil {
		var gitErr *GitError
		if errors.As(runErr, &gitErr) {
			conflicts = append(conflicts, parseConflicts(gitErr.Stderr)...)
		}
		if len(conflicts) > 0 {
			return &PullResult{
				Success:   false,
				Conflicts: conflicts,
				Output:    out,
			}, nil
		}
		return nil, runErr
	}
	return &PullResult{
		Success:   true,
		Conflicts: []string{},
		Output:    out,
	}, nil
}

func parseConflicts(out string) []string {
	rv := []string{}
	for _, line := range strings.Split(out, "\n") {
		if m := conflictRegexp.FindStringSubmatch(line); m != nil {
			rv = append(rv, strings.TrimSpace(m[1]))
		}
	}
	return rv
}

// Fetch fetches origin.
func (s *Service) Fetch(ctx context.Context, username, alias string) (string, error) {
	if err := s.migrate(ctx, username, alias); err != nil {
		return "", err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return "", err
	}
	return runGit(ctx, dir, REMOTE_TIMEOUT, nil, "fetch", activatedrepo.UPSTREAM_REMOTE)
}
